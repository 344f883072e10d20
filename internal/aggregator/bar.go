package aggregator

import (
	"fmt"
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// BarReporter draws a single progress bar whose total grows as files are
// discovered. The bar starts on the first event so the recovered summary is
// printed above it.
type BarReporter struct {
	w   io.Writer
	p   *mpb.Progress
	bar *mpb.Bar

	mu  sync.Mutex
	eta string
}

// NewBarReporter creates a reporter writing to w.
func NewBarReporter(w io.Writer) *BarReporter {
	return &BarReporter{w: w, eta: FormatETA(0)}
}

func (r *BarReporter) start() {
	if r.p != nil {
		return
	}
	r.p = mpb.New(mpb.WithOutput(r.w), mpb.WithWidth(64))
	r.bar = r.p.AddBar(0,
		mpb.PrependDecorators(
			decor.Name("Processing: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.Any(func(decor.Statistics) string {
				return " ETA " + r.currentETA()
			}),
		),
	)
}

func (r *BarReporter) currentETA() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eta
}

// Recovered is summarised by location; the bar has no room for per-file lines.
func (r *BarReporter) Recovered(rec types.Recovered) {
	if len(rec) == 0 {
		return
	}
	counts := make(map[types.Location]int)
	for _, loc := range rec {
		counts[loc]++
	}
	fmt.Fprintf(r.w, "Previously processed files: %d\n", len(rec))
	for _, loc := range locationOrder() {
		if n := counts[loc]; n > 0 {
			fmt.Fprintf(r.w, "\t%s: %d\n", loc, n)
		}
	}
}

// Event updates the bar counters.
func (r *BarReporter) Event(ev types.Event, p Progress) {
	r.start()
	if p.HasETA {
		r.mu.Lock()
		r.eta = p.ETAString()
		r.mu.Unlock()
	}
	r.bar.SetTotal(int64(p.Total), false)
	r.bar.SetCurrent(int64(p.Finished))
}

// Done completes the bar and waits for the final render.
func (r *BarReporter) Done(s Summary) {
	r.start()
	r.bar.SetTotal(-1, true)
	r.p.Wait()
	fmt.Fprintf(r.w, "Extracted %d, submitted %d, duplicates %d, failed %d, reused %d of %d files\n",
		s.Extracted, s.Submitted, s.Duplicates, s.Failed, s.Reused, s.Total)
}
