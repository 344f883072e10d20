// ============================================================================
// abz-submit State Aggregator - 單一消費者進度追蹤
// ============================================================================
//
// Package: internal/aggregator
// 文件: aggregator.go
// 功能: 消費所有 worker 送出的狀態轉換事件，維護計數器與剩餘時間估計
//
// 設計:
//   - 只有一個 goroutine 執行 Run()，計數器不需要鎖
//   - 事件依到達順序處理，不保證跨任務順序
//   - 收到 EventEnd 哨兵即結束；哨兵只會在所有 worker 退出後送出
//
// ETA 計算:
//   samples   = 本次執行實際量測到的抽取階段事件數
//   remaining = (total - reused) - samples
//   eta       = cumExtraction / samples * remaining（samples >= 2 才計算，最小為 0）
//
// ============================================================================

package aggregator

import (
	"time"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// minSamples 開始估計 ETA 前需要的抽取樣本數
const minSamples = 2

// Observer receives every event after the counters are updated.
// metrics.Collector implements it.
type Observer interface {
	Observe(ev types.Event)
	SetETA(d time.Duration)
}

// Options 聚合器選項
type Options struct {
	// Offline 時任務停在 Extracted，Extracted 也算完成
	Offline bool
}

// Progress 每個事件之後的進度快照，交給 Reporter 顯示
type Progress struct {
	Finished int
	Total    int
	ETA      time.Duration
	HasETA   bool
}

// ETAString renders the estimate the way progress lines show it.
func (p Progress) ETAString() string {
	return FormatETA(p.ETA)
}

// Summary 整個執行的統計結果
type Summary struct {
	Total      int
	Extracted  int
	Submitted  int
	Duplicates int
	Failed     int
	Reused     int
	Finished   int

	FailedByKind map[types.ErrorKind]int

	ExtractionTime time.Duration // 累計抽取時間
	Samples        int
	Elapsed        time.Duration
}

// Aggregator 狀態聚合器
type Aggregator struct {
	opts     Options
	reporter Reporter
	observer Observer

	summary  Summary
	eta      time.Duration
	hasETA   bool
	started  time.Time
	finished bool
}

// New 建立聚合器；reporter 與 observer 皆可為 nil
func New(reporter Reporter, observer Observer, opts Options) *Aggregator {
	if reporter == nil {
		reporter = Discard
	}
	return &Aggregator{
		opts:     opts,
		reporter: reporter,
		observer: observer,
		summary: Summary{
			FailedByKind: make(map[types.ErrorKind]int),
		},
		started: time.Now(),
	}
}

// Recovered 顯示先前執行留下的任務狀態，需在 Run 之前呼叫
func (a *Aggregator) Recovered(rec types.Recovered) {
	a.reporter.Recovered(rec)
}

// Run 消費事件直到收到 EventEnd（或 channel 被關閉），回傳統計結果
func (a *Aggregator) Run(events <-chan types.Event) Summary {
	for ev := range events {
		if a.Apply(ev) {
			break
		}
	}
	return a.finish()
}

// Apply updates the counters with one event and reports whether it was the
// end-of-stream sentinel.
func (a *Aggregator) Apply(ev types.Event) bool {
	if ev.Kind == types.EventEnd {
		return true
	}

	s := &a.summary
	switch {
	case ev.State == types.StateDiscovered:
		s.Total++
	case ev.Reused:
		s.Reused++
		if a.terminal(ev.State) {
			s.Finished++
		}
	default:
		a.count(ev)
	}

	a.estimate()
	if a.observer != nil {
		a.observer.Observe(ev)
		if a.hasETA {
			a.observer.SetETA(a.eta)
		}
	}
	a.reporter.Event(ev, a.Progress())
	return false
}

func (a *Aggregator) count(ev types.Event) {
	s := &a.summary
	switch ev.State {
	case types.StateExtracted:
		s.Extracted++
		a.sample(ev.Duration)
	case types.StateSuccess:
		s.Submitted++
	case types.StateDuplicate:
		s.Duplicates++
	case types.StateFailed:
		s.Failed++
		s.FailedByKind[ev.Error]++
		if ev.Error.ExtractionStage() {
			a.sample(ev.Duration)
		}
	}
	if a.terminal(ev.State) {
		s.Finished++
	}
}

// sample adds one measured extraction. Failures decided without running the
// extractor (a reused document that cannot be read back) carry no duration and
// are not samples.
func (a *Aggregator) sample(d time.Duration) {
	if d <= 0 {
		return
	}
	a.summary.Samples++
	a.summary.ExtractionTime += d
}

func (a *Aggregator) terminal(state types.State) bool {
	if a.opts.Offline && state == types.StateExtracted {
		return true
	}
	return state.Terminal()
}

// estimate recomputes the ETA from completed extraction samples only.
func (a *Aggregator) estimate() {
	s := a.summary
	if s.Samples < minSamples {
		return
	}
	remaining := (s.Total - s.Reused) - s.Samples
	if remaining < 0 {
		remaining = 0
	}
	avg := s.ExtractionTime / time.Duration(s.Samples)
	a.eta = avg * time.Duration(remaining)
	if a.eta < 0 {
		a.eta = 0
	}
	a.hasETA = true
}

// Progress 目前的進度快照
func (a *Aggregator) Progress() Progress {
	return Progress{
		Finished: a.summary.Finished,
		Total:    a.summary.Total,
		ETA:      a.eta,
		HasETA:   a.hasETA,
	}
}

// ETA returns the current estimate and whether enough samples exist.
func (a *Aggregator) ETA() (time.Duration, bool) {
	return a.eta, a.hasETA
}

// Summary 目前的統計結果
func (a *Aggregator) Summary() Summary {
	s := a.summary
	s.FailedByKind = make(map[types.ErrorKind]int, len(a.summary.FailedByKind))
	for k, v := range a.summary.FailedByKind {
		s.FailedByKind[k] = v
	}
	s.Elapsed = time.Since(a.started)
	return s
}

func (a *Aggregator) finish() Summary {
	summary := a.Summary()
	if !a.finished {
		a.finished = true
		a.reporter.Done(summary)
	}
	return summary
}
