package aggregator

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// LineReporter prints one coloured line per event.
type LineReporter struct {
	w io.Writer

	ok      lipgloss.Style
	failed  lipgloss.Style
	pending lipgloss.Style
	waiting lipgloss.Style
	dup     lipgloss.Style
	title   lipgloss.Style
	muted   lipgloss.Style
}

// NewLineReporter creates a reporter writing to w. Colours are only emitted
// when w is a terminal that supports them.
func NewLineReporter(w io.Writer) *LineReporter {
	base := lipgloss.NewRenderer(w).NewStyle().TabWidth(lipgloss.NoTabConversion)
	return &LineReporter{
		w:       w,
		ok:      base.Foreground(lipgloss.Color("2")),
		failed:  base.Foreground(lipgloss.Color("1")),
		pending: base.Foreground(lipgloss.Color("6")),
		waiting: base.Foreground(lipgloss.Color("5")),
		dup:     base.Foreground(lipgloss.Color("3")),
		title:   base.Bold(true),
		muted:   base.Foreground(lipgloss.Color("245")),
	}
}

func (r *LineReporter) println(style lipgloss.Style, msg string) {
	fmt.Fprintln(r.w, style.Render(msg))
}

// Recovered prints what earlier runs left in the job store.
func (r *LineReporter) Recovered(rec types.Recovered) {
	r.println(r.title, "Previously processed files include:")
	for _, id := range sortedRecovered(rec) {
		loc := rec[id]
		name := displayName(id)
		switch loc.State {
		case types.StateSuccess:
			r.println(r.ok, fmt.Sprintf("\t%s was submitted", name))
		case types.StateDuplicate:
			r.println(r.dup, fmt.Sprintf("\t%s is a duplicate", name))
		case types.StateFailed:
			r.println(r.failed, fmt.Sprintf("\t%s failed with error %s", name, loc.Error))
		default:
			r.println(r.waiting, fmt.Sprintf("\t%s submission is pending", name))
		}
	}
	fmt.Fprintln(r.w)
	r.println(r.title, "Currently processed files:")
}

// Event prints one state transition.
func (r *LineReporter) Event(ev types.Event, p Progress) {
	var (
		style lipgloss.Style
		msg   string
	)
	switch ev.State {
	case types.StateDiscovered:
		return
	case types.StatePending:
		style, msg = r.pending, "features are being extracted."
	case types.StateExtracted:
		style, msg = r.waiting, "was extracted."
		if ev.Reused {
			msg = "features were extracted by a previous run."
		}
	case types.StateSuccess:
		style, msg = r.ok, "was submitted."
		if ev.Reused {
			msg = "was already submitted."
		}
	case types.StateDuplicate:
		style, msg = r.dup, "features are duplicates."
	case types.StateFailed:
		style, msg = r.failed, fmt.Sprintf("failed with error %s.", ev.Error)
	default:
		return
	}

	r.println(style, fmt.Sprintf("\t%s %s Job %d/%d - Estimated remaining time is %s",
		displayName(ev.JobID), msg, p.Finished, p.Total, p.ETAString()))

	if ev.State == types.StateFailed && !ev.Reused && strings.TrimSpace(ev.Output) != "" {
		fmt.Fprintln(r.w)
		r.println(r.muted, strings.TrimRight(ev.Output, "\n"))
	}
}

// Done prints the run summary.
func (r *LineReporter) Done(s Summary) {
	fmt.Fprintln(r.w)
	r.println(r.title, fmt.Sprintf(
		"Extracted %d, submitted %d, duplicates %d, failed %d, reused %d of %d files",
		s.Extracted, s.Submitted, s.Duplicates, s.Failed, s.Reused, s.Total))
	for _, kind := range types.ErrorKinds {
		if n := s.FailedByKind[kind]; n > 0 {
			r.println(r.failed, fmt.Sprintf("\t%s: %d", kind, n))
		}
	}
}
