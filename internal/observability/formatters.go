// Package observability renders a run's live event stream for the terminal:
// it decodes Server-Sent Events frames, folds events into a RunView and prints
// both as human-readable text.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/hirepilot/agentruns/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	running lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
}

func newStyles(out io.Writer, color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	r := lipgloss.NewRenderer(out)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("240")),
		running: r.NewStyle().Foreground(lipgloss.Color("14")),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
	}
}

// Printer handles formatted output for the watch command
type Printer struct {
	out io.Writer
	st  styles
}

// NewPrinter creates a new Printer that writes to the given writer. color
// enables ANSI styling; callers pass whether out is a terminal.
func NewPrinter(out io.Writer, color bool) *Printer {
	return &Printer{out: out, st: newStyles(out, color)}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %s │\n", pad(p.st.title.Render(clip(title, boxWidth-4)), boxWidth-4))
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %s │\n", pad(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRun outputs the merged state of a run: status, counters, and the step
// list with each step's meter.
func (p *Printer) PrintRun(v *RunView) {
	if v == nil || !v.Synced() {
		return
	}

	var sb strings.Builder
	c := v.Progress.Counters
	fmt.Fprintf(&sb, "Status:   %s\n", p.runStatus(v.Status))
	fmt.Fprintf(&sb, "Steps:    %d/%d completed\n", c.StepsCompleted, c.StepsTotal)
	if c.ItemsTotal > 0 {
		fmt.Fprintf(&sb, "Items:    %d/%d processed\n", c.ItemsProcessed, c.ItemsTotal)
	}
	if v.Error != "" {
		fmt.Fprintf(&sb, "Error:    %s\n", p.st.failure.Render(clip(v.Error, boxWidth-14)))
	}

	if len(v.Progress.Steps) > 0 {
		sb.WriteString("\n")
		for _, step := range v.Progress.Steps {
			sb.WriteString(p.stepLine(step, v.Progress.CurrentStepID))
			sb.WriteString("\n")
		}
	}

	if n := len(v.Artifacts.Items); n > 0 {
		sb.WriteString("\nArtifacts:\n")
		count := min(n, maxItemsToShow)
		for i := 0; i < count; i++ {
			a := v.Artifacts.Items[i]
			label := a.Title
			if label == "" {
				label = a.ArtifactID
			}
			fmt.Fprintf(&sb, "  • %s %s\n", clip(label, 36), p.st.muted.Render("("+a.Type+")"))
		}
		if n > maxItemsToShow {
			fmt.Fprintf(&sb, "  ... and %d more\n", n-maxItemsToShow)
		}
	}
	if n := len(v.Stats.ToolCalls); n > 0 {
		fmt.Fprintf(&sb, "\nTool calls: %d\n", n)
	}

	p.printBox("RUN "+v.RunID.String(), strings.TrimSuffix(sb.String(), "\n"))
}

func (p *Printer) stepLine(step types.StepProgress, current *string) string {
	marker := " "
	if current != nil && *current == step.StepID {
		marker = ">"
	}
	line := fmt.Sprintf("%s %s %-18s %3.0f%%", marker, p.stepIcon(step.Status), clip(step.StepID, 18), step.Progress.Percent)
	if step.Progress.Label != "" {
		line += " " + p.st.muted.Render(clip(step.Progress.Label, 20))
	}
	return line
}

// PrintEvent outputs a one-line description of a live event.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(e types.Event) {
	ts := p.st.muted.Render(e.TS.Local().Format("15:04:05"))
	fmt.Fprintf(p.out, "%s %-16s %s\n", ts, e.Type, p.describe(e))
}

func (p *Printer) describe(e types.Event) string {
	switch v := e.Payload.(type) {
	case types.RunSnapshot:
		c := v.Progress.Counters
		return fmt.Sprintf("%s, %d/%d steps", p.runStatus(v.Status), c.StepsCompleted, c.StepsTotal)
	case types.RunStarted:
		return p.runStatus(v.Status)
	case types.StepUpdated:
		s := fmt.Sprintf("%s %s %.0f%%", v.StepID, p.stepIcon(v.Status), v.Progress.Percent)
		if v.Progress.Label != "" {
			s += " " + v.Progress.Label
		}
		if len(v.Errors) > 0 {
			s += " " + p.st.failure.Render(v.Errors[0].Message)
		}
		return s
	case types.ToolCallLogged:
		name := v.ToolCall.Tool.Name
		if name == "" {
			name = v.ToolCall.Tool.ToolID
		}
		s := fmt.Sprintf("%s %s", name, v.ToolCall.Status)
		if v.ToolCall.OutputSummary != "" {
			s += ": " + v.ToolCall.OutputSummary
		}
		return s
	case types.ArtifactCreated:
		return fmt.Sprintf("%s (%s) %s", v.Artifact.ArtifactID, v.Artifact.Type, v.Artifact.Status)
	case types.RunCompleted:
		return p.runStatus(v.Status)
	case types.RunFailed:
		return p.runStatus(v.Status) + " " + p.st.failure.Render(v.Error)
	case types.RunCancelled:
		return p.runStatus(v.Status)
	}
	return ""
}

// PrintError outputs an error event sent in place of the stream.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintError(code, message string) {
	fmt.Fprintf(p.out, "%s %s\n", p.st.failure.Render("error: "+code), message)
}

func (p *Printer) runStatus(s types.RunStatus) string {
	switch s {
	case types.RunStatusRunning:
		return p.st.running.Render(string(s))
	case types.RunStatusSuccess:
		return p.st.success.Render(string(s))
	case types.RunStatusFailure:
		return p.st.failure.Render(string(s))
	case types.RunStatusCancelled:
		return p.st.warning.Render(string(s))
	default:
		return p.st.muted.Render(string(s))
	}
}

func (p *Printer) stepIcon(s types.StepStatus) string {
	switch s {
	case types.StepStatusRunning:
		return p.st.running.Render("▶")
	case types.StepStatusSuccess:
		return p.st.success.Render("✓")
	case types.StepStatusFailure:
		return p.st.failure.Render("✗")
	case types.StepStatusSkipped:
		return p.st.warning.Render("↷")
	default:
		return p.st.muted.Render("·")
	}
}

// clip shortens s to at most n runes, marking the cut with "...".
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// pad right-pads s to width visible cells, ignoring ANSI sequences.
func pad(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
