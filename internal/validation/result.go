// Package validation holds the severity-tagged results that listeners
// contribute during stage lifecycle events, and the failure that carries
// them back to callers.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Severity classifies a Result. Only SeverityError blocks a transition.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

func (s Severity) valid() bool {
	return s == SeverityError || s == SeverityWarning
}

// Result is an immutable set of messages sharing one severity.
type Result struct {
	severity Severity
	messages []string
	summary  string
}

// New builds a Result. At least one non-blank message is required.
func New(severity Severity, messages []string, summary string) (Result, error) {
	if !severity.valid() {
		return Result{}, fmt.Errorf("invalid severity %q", severity)
	}
	msgs := make([]string, 0, len(messages))
	for _, m := range messages {
		if m = strings.TrimSpace(m); m != "" {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		return Result{}, errors.New("validation result needs at least one message")
	}
	return Result{
		severity: severity,
		messages: msgs,
		summary:  strings.TrimSpace(summary),
	}, nil
}

// NewError builds an error-severity Result.
func NewError(messages []string, summary string) (Result, error) {
	return New(SeverityError, messages, summary)
}

// NewWarning builds a warning-severity Result.
func NewWarning(messages []string, summary string) (Result, error) {
	return New(SeverityWarning, messages, summary)
}

// Errorf builds a single-message error Result. A blank message yields the
// zero Result.
func Errorf(format string, args ...any) Result {
	return single(SeverityError, fmt.Sprintf(format, args...))
}

// Warningf builds a single-message warning Result. A blank message yields
// the zero Result.
func Warningf(format string, args ...any) Result {
	return single(SeverityWarning, fmt.Sprintf(format, args...))
}

func single(severity Severity, msg string) Result {
	if msg = strings.TrimSpace(msg); msg == "" {
		return Result{}
	}
	return Result{severity: severity, messages: []string{msg}}
}

// IsZero reports whether r carries no messages. Such a result was never
// built by New and is dropped wherever results are collected.
func (r Result) IsZero() bool { return len(r.messages) == 0 }

func (r Result) Severity() Severity { return r.severity }

// Summary is empty unless the result groups several messages under a heading.
func (r Result) Summary() string { return r.summary }

// Messages returns a copy of the result's messages.
func (r Result) Messages() []string {
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r Result) IsError() bool { return r.severity == SeverityError }

func (r Result) String() string {
	body := strings.Join(r.messages, "; ")
	if r.summary != "" {
		body = r.summary + ": " + body
	}
	return string(r.severity) + ": " + body
}

type resultJSON struct {
	Severity Severity `json:"severity"`
	Summary  string   `json:"summary,omitempty"`
	Messages []string `json:"messages"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{Severity: r.severity, Summary: r.summary, Messages: r.messages})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := New(raw.Severity, raw.Messages, raw.Summary)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// HasErrors reports whether any result has error severity.
func HasErrors(results []Result) bool {
	for _, r := range results {
		if r.IsError() {
			return true
		}
	}
	return false
}

// Filter returns the results with the given severity, preserving order.
func Filter(results []Result, severity Severity) []Result {
	var out []Result
	for _, r := range results {
		if r.severity == severity {
			out = append(out, r)
		}
	}
	return out
}
