package validation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Report is the JSON shape of a result list.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []Result `json:"errors,omitempty"`
	Warnings []Result `json:"warnings,omitempty"`
}

// NewReport splits results by severity.
func NewReport(results []Result) Report {
	return Report{
		Valid:    !HasErrors(results),
		Errors:   Filter(results, SeverityError),
		Warnings: Filter(results, SeverityWarning),
	}
}

// FormatHuman returns a human-readable report of results.
func FormatHuman(results []Result) string {
	var b strings.Builder
	r := NewReport(results)

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("No problems found.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Ready (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Blocked (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, res := range results {
		label := "ERROR"
		if !res.IsError() {
			label = "WARN "
		}
		if res.summary != "" {
			fmt.Fprintf(&b, "  %s %s\n", label, res.summary)
			for _, m := range res.messages {
				fmt.Fprintf(&b, "        - %s\n", m)
			}
			continue
		}
		for _, m := range res.messages {
			fmt.Fprintf(&b, "  %s %s\n", label, m)
		}
	}
	return b.String()
}

// FormatJSON returns the report as indented JSON.
func FormatJSON(results []Result) (string, error) {
	data, err := json.MarshalIndent(NewReport(results), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
