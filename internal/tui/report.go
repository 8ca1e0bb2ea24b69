package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/updater"
	"github.com/mattjoyce/stagehand/internal/validation"
)

// RenderResults lists results with error and warning labels coloured.
func RenderResults(theme Theme, results []validation.Result) string {
	report := validation.NewReport(results)

	var b strings.Builder
	switch {
	case report.Valid && len(report.Warnings) == 0:
		b.WriteString(theme.OK.Render("No problems found.") + "\n")
		return b.String()
	case report.Valid:
		b.WriteString(theme.Warn.Render(fmt.Sprintf("Ready (%d warning(s))", len(report.Warnings))) + "\n")
	default:
		b.WriteString(theme.Error.Render(fmt.Sprintf("Blocked (%d error(s), %d warning(s))", len(report.Errors), len(report.Warnings))) + "\n")
	}

	for _, res := range results {
		label := theme.Warn.Render("WARN ")
		if res.IsError() {
			label = theme.Error.Render("ERROR")
		}
		if res.Summary() != "" {
			fmt.Fprintf(&b, "  %s %s\n", label, res.Summary())
			for _, m := range res.Messages() {
				fmt.Fprintf(&b, "        %s %s\n", theme.Dim.Render("-"), m)
			}
			continue
		}
		for _, m := range res.Messages() {
			fmt.Fprintf(&b, "  %s %s\n", label, m)
		}
	}
	return b.String()
}

// StateStyle picks the style for a stage state.
func StateStyle(theme Theme, s stage.State) lipgloss.Style {
	switch s {
	case stage.Applied, stage.Destroyed:
		return theme.OK
	case stage.Applying:
		return theme.Warn
	case stage.Corrupted:
		return theme.Error
	default:
		return theme.Highlight
	}
}

// RenderStage describes a stage record and, when known, the lock holder.
func RenderStage(theme Theme, rec *stage.Record, held *lock.OwnershipLock) string {
	var lines []string
	if rec == nil && held == nil {
		return theme.Dim.Render("No active stage.") + "\n"
	}
	if rec != nil {
		lines = append(lines,
			theme.Title.Render("Stage "+rec.ID),
			fmt.Sprintf("%s %s", theme.Header.Render("State:     "), StateStyle(theme, rec.State).Render(string(rec.State))),
			fmt.Sprintf("%s %s", theme.Header.Render("Active:    "), rec.ActiveDir),
			fmt.Sprintf("%s %s", theme.Header.Render("Staging:   "), rec.StagingDir),
			fmt.Sprintf("%s %s (%s)", theme.Header.Render("Created:   "), rec.CreatedAt.Local().Format(time.RFC3339), humanize.Time(rec.CreatedAt)),
		)
		for i, r := range rec.Requirements {
			head := "Requires:  "
			if i > 0 {
				head = "           "
			}
			lines = append(lines, fmt.Sprintf("%s %s", theme.Header.Render(head), r.String()))
		}
		if rec.State == stage.Corrupted {
			lines = append(lines, theme.Error.Render("Apply failed part way. Restore the active directory from backup, then run 'stage destroy --force'."))
		}
	}
	if held != nil && (rec == nil || held.StageID != rec.ID) {
		lines = append(lines, theme.Warn.Render(fmt.Sprintf("Lock held by %s since %s", held.StageID, humanize.Time(held.AcquiredAt))))
	}
	return theme.Border.Render(strings.Join(lines, "\n")) + "\n"
}

// RenderHistory lists transitions oldest first.
func RenderHistory(theme Theme, transitions []state.Transition) string {
	if len(transitions) == 0 {
		return theme.Dim.Render("No history.") + "\n"
	}
	var b strings.Builder
	for _, tr := range transitions {
		fmt.Fprintf(&b, "%s  %-16s %s",
			theme.Dim.Render(tr.RecordedAt.Local().Format(time.RFC3339)),
			tr.Event,
			StateStyle(theme, stage.State(tr.State)).Render(tr.State),
		)
		if tr.Detail != "" {
			fmt.Fprintf(&b, "  %s", theme.Dim.Render(tr.Detail))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderOutcome summarizes an unattended update run.
func RenderOutcome(theme Theme, out updater.Outcome) string {
	var status string
	switch out.Status {
	case updater.StatusApplied:
		status = theme.OK.Render(string(out.Status))
	case updater.StatusUpToDate:
		status = theme.Dim.Render(string(out.Status))
	case updater.StatusRefused:
		status = theme.Warn.Render(string(out.Status))
	default:
		status = theme.Error.Render(string(out.Status))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", theme.Header.Render("Update:"), status)
	if out.Module != "" {
		fmt.Fprintf(&b, "  %s", out.Module)
	}
	if out.Installed != "" {
		fmt.Fprintf(&b, " %s", out.Installed)
		if out.Target != "" {
			fmt.Fprintf(&b, " -> %s", out.Target)
		}
	}
	b.WriteString("\n")
	if out.StageID != "" {
		fmt.Fprintf(&b, "%s %s\n", theme.Header.Render("Stage: "), out.StageID)
	}
	if len(out.Results) > 0 {
		b.WriteString(RenderResults(theme, out.Results))
	}
	return b.String()
}
