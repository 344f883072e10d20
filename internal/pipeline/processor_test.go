package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/abz-submit/internal/catalog"
	"github.com/ChuLiYu/abz-submit/internal/extractor"
	"github.com/ChuLiYu/abz-submit/internal/features"
	"github.com/ChuLiYu/abz-submit/internal/jobstore"
	"github.com/ChuLiYu/abz-submit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSHA  = "0123456789abcdef0123456789abcdef01234567"
	testMbid = "8e2bd8b0-4a2e-4f7b-8d26-2f7b8b1b9c1e"
)

func featureJSON(trackID string) string {
	return fmt.Sprintf(`{"metadata":{"tags":{"musicbrainz_trackid":[%q]},"version":{"essentia_git_sha":"v2.1"}},"lowlevel":{"average_loudness":0.9}}`, trackID)
}

// fakeExtractor writes output for sources listed in docs and returns the
// configured class.
type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	class extractor.Class
	docs  map[string]string
	err   error
}

func (f *fakeExtractor) Extract(ctx context.Context, input, output string) (extractor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return extractor.Result{}, f.err
	}
	if doc, ok := f.docs[input]; ok {
		if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
			return extractor.Result{}, err
		}
	}
	return extractor.Result{Class: f.class, Output: "extractor said " + f.class.String(), Duration: time.Millisecond}, nil
}

type fakeCatalog struct {
	mu        sync.Mutex
	duplicate bool
	dupErr    error
	submitErr error
	checked   int
	submitted []string
}

func (f *fakeCatalog) IsDuplicate(ctx context.Context, recordingID, version string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked++
	return f.duplicate, f.dupErr
}

func (f *fakeCatalog) Submit(ctx context.Context, recordingID string, document []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, recordingID)
	return nil
}

type harness struct {
	store  *jobstore.Store
	ext    *fakeExtractor
	cat    *fakeCatalog
	events chan types.Event
	source string
	job    types.Job
}

func newHarness(t *testing.T, doc string, class extractor.Class) *harness {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "features"))
	require.NoError(t, err)

	source := filepath.Join(t.TempDir(), "song.mp3")
	docs := map[string]string{}
	if doc != "" {
		docs[source] = doc
	}
	return &harness{
		store:  store,
		ext:    &fakeExtractor{class: class, docs: docs},
		cat:    &fakeCatalog{},
		events: make(chan types.Event, 16),
		source: source,
		job:    types.NewJob(source),
	}
}

func (h *harness) processor(cfg Config, rec types.Recovered) *Processor {
	if cfg.BuildSHA == "" {
		cfg.BuildSHA = testSHA
	}
	return NewProcessor(cfg, h.store, h.ext, h.cat, rec, h.events)
}

func (h *harness) drain() []types.Event {
	var out []types.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func states(events []types.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, types.Location{State: ev.State, Error: ev.Error}.String())
	}
	return out
}

func (h *harness) location(t *testing.T) types.Location {
	t.Helper()
	rec, err := h.store.Scan()
	require.NoError(t, err)
	loc, ok := rec[h.job.ID]
	require.True(t, ok, "job has no artifact")
	return loc
}

// stampedWith 回傳以 sha 蓋章的特徵文件
func stampedWith(t *testing.T, sha string) string {
	t.Helper()
	doc, err := features.Parse([]byte(featureJSON(testMbid)))
	require.NoError(t, err)
	doc.StampBuildSHA(sha)
	data, err := doc.Marshal()
	require.NoError(t, err)
	return string(data)
}

func (h *harness) put(t *testing.T, loc types.Location, content string) {
	t.Helper()
	path, err := h.store.Path(loc, h.job.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestProcessSuccess 測試正常流程：抽取 → 檢查重複 → 提交
func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)

	err := h.processor(Config{}, nil).Process(context.Background(), h.job)
	require.NoError(t, err)

	assert.Equal(t, []string{"pending", "extracted", "success"}, states(h.drain()))
	assert.Equal(t, types.Location{State: types.StateSuccess}, h.location(t))
	assert.Equal(t, []string{testMbid}, h.cat.submitted)

	data, err := h.store.Read(types.Location{State: types.StateSuccess}, h.job.ID)
	require.NoError(t, err)
	doc, err := features.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, testSHA, doc.BuildSHA())
}

func TestProcessExtractionFailures(t *testing.T) {
	tests := []struct {
		name  string
		class extractor.Class
		doc   string
		kind  types.ErrorKind
	}{
		{name: "no mbid with output", class: extractor.ClassNoMbid, doc: "{}", kind: types.ErrNoMbid},
		{name: "extraction error without output", class: extractor.ClassExtractionError, kind: types.ErrExtraction},
		{name: "unknown error", class: extractor.ClassUnknownError, kind: types.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.doc, tt.class)

			require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

			events := h.drain()
			require.Len(t, events, 2)
			assert.Equal(t, types.StatePending, events[0].State)
			assert.Equal(t, types.StateFailed, events[1].State)
			assert.Equal(t, tt.kind, events[1].Error)
			assert.Contains(t, events[1].Output, "extractor said")

			assert.Equal(t, types.Failed(tt.kind), h.location(t))
			assert.Zero(t, h.cat.checked)
		})
	}
}

func TestProcessFailureMarkerKeepsOutput(t *testing.T) {
	h := newHarness(t, "", extractor.ClassExtractionError)

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	data, err := h.store.Read(types.Failed(types.ErrExtraction), h.job.ID)
	require.NoError(t, err)
	var marker jobstore.Marker
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, h.source, marker.Source)
	assert.Equal(t, types.ErrExtraction, marker.Error)
	assert.Contains(t, marker.Output, "extractor said")
}

func TestProcessDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind types.ErrorKind
	}{
		{name: "malformed json", doc: "{not json", kind: types.ErrJSON},
		{name: "missing track id", doc: `{"metadata":{"tags":{}}}`, kind: types.ErrNoTrackID},
		{name: "invalid track id", doc: featureJSON("not-a-uuid"), kind: types.ErrBadMbid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.doc, extractor.ClassSuccess)

			require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

			events := h.drain()
			last := events[len(events)-1]
			assert.Equal(t, types.StateFailed, last.State)
			assert.Equal(t, tt.kind, last.Error)
			assert.Equal(t, types.Failed(tt.kind), h.location(t))
			assert.Zero(t, h.cat.checked, "remote must not be called")
		})
	}
}

func TestProcessDuplicate(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	h.cat.duplicate = true

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	assert.Equal(t, []string{"pending", "extracted", "duplicate"}, states(h.drain()))
	assert.Equal(t, types.Location{State: types.StateDuplicate}, h.location(t))
	assert.Empty(t, h.cat.submitted)
}

func TestProcessRemoteUnavailableStillSubmits(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	h.cat.dupErr = catalog.ErrRemoteUnavailable

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	assert.Equal(t, []string{"pending", "extracted", "success"}, states(h.drain()))
	assert.Len(t, h.cat.submitted, 1)
}

func TestProcessSubmissionFailure(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	h.cat.submitErr = &catalog.SubmissionError{RecordingID: testMbid, StatusCode: 500, Body: "boom"}

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	events := h.drain()
	assert.Equal(t, []string{"pending", "extracted", "failed(submission)"}, states(events))
	assert.Contains(t, events[2].Output, "HTTP 500")
	assert.Equal(t, types.Failed(types.ErrSubmission), h.location(t))
}

func TestProcessOfflineStopsAfterExtraction(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)

	p := NewProcessor(Config{BuildSHA: testSHA, Offline: true}, h.store, h.ext, nil, nil, h.events)
	require.NoError(t, p.Process(context.Background(), h.job))

	assert.Equal(t, []string{"pending", "extracted"}, states(h.drain()))
	assert.Equal(t, types.Location{State: types.StatePending}, h.location(t))
}

func TestProcessCancelledRecordsNothing(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	h.ext.err = context.Canceled

	err := h.processor(Config{}, nil).Process(context.Background(), h.job)
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := h.store.Scan()
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestProcessRecoveredTerminalJobsAreUntouched(t *testing.T) {
	for _, loc := range []types.Location{
		{State: types.StateSuccess},
		types.Failed(types.ErrNoMbid),
	} {
		t.Run(loc.String(), func(t *testing.T) {
			h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
			path, err := h.store.Path(loc, h.job.ID)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

			rec := types.Recovered{h.job.ID: loc}
			require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), h.job))

			events := h.drain()
			require.Len(t, events, 1)
			assert.True(t, events[0].Reused)
			assert.Equal(t, loc.State, events[0].State)
			assert.Zero(t, h.ext.calls)
			assert.Equal(t, loc, h.location(t))
		})
	}
}

func TestProcessRecoveredDuplicate(t *testing.T) {
	t.Run("current build short circuits", func(t *testing.T) {
		h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
		dup := types.Location{State: types.StateDuplicate}
		path, err := h.store.Path(dup, h.job.ID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(stampedWith(t, testSHA)), 0o644))

		rec := types.Recovered{h.job.ID: dup}
		require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), h.job))

		events := h.drain()
		require.Len(t, events, 1)
		assert.Equal(t, types.StateDuplicate, events[0].State)
		assert.True(t, events[0].Reused)
		assert.Zero(t, h.ext.calls)
		assert.Zero(t, h.cat.checked)
	})

	t.Run("stale build extracts again", func(t *testing.T) {
		h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
		dup := types.Location{State: types.StateDuplicate}
		path, err := h.store.Path(dup, h.job.ID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(stampedWith(t, "old-build")), 0o644))

		rec := types.Recovered{h.job.ID: dup}
		require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), h.job))

		assert.Equal(t, []string{"pending", "extracted", "success"}, states(h.drain()))
		assert.Equal(t, 1, h.ext.calls)
		assert.Equal(t, types.Location{State: types.StateSuccess}, h.location(t))
	})
}

func TestProcessRecoveredPendingSkipsExtraction(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	pending := types.Location{State: types.StatePending}
	path, err := h.store.Path(pending, h.job.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(featureJSON(testMbid)), 0o644))

	rec := types.Recovered{h.job.ID: pending}
	require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), h.job))

	events := h.drain()
	assert.Equal(t, []string{"extracted", "success"}, states(events))
	assert.True(t, events[0].Reused)
	assert.Zero(t, h.ext.calls)

	// 中斷於 stamp 之前的文件會補上 build sha
	data, err := h.store.Read(types.Location{State: types.StateSuccess}, h.job.ID)
	require.NoError(t, err)
	doc, err := features.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, testSHA, doc.BuildSHA())
}

func TestProcessReextractReplacesPendingOnFailure(t *testing.T) {
	h := newHarness(t, "{}", extractor.ClassNoMbid)
	pending := types.Location{State: types.StatePending}
	path, err := h.store.Path(pending, h.job.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	assert.False(t, h.store.Exists(pending, h.job.ID))
	assert.Equal(t, types.Failed(types.ErrNoMbid), h.location(t))
}

// TestProcessRecordsStageDurations 測試抽取時間從排入佇列起算
func TestProcessRecordsStageDurations(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	h.job.EnqueuedAt = time.Now().Add(-time.Minute)

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	events := h.drain()
	require.Equal(t, []string{"pending", "extracted", "success"}, states(events))
	assert.GreaterOrEqual(t, events[1].Duration, time.Minute)
	assert.Less(t, events[2].Duration, time.Minute, "submission is timed on its own")
}

func TestProcessFailedExtractionTimedFromEnqueue(t *testing.T) {
	h := newHarness(t, "", extractor.ClassExtractionError)
	h.job.EnqueuedAt = time.Now().Add(-time.Minute)

	require.NoError(t, h.processor(Config{}, nil).Process(context.Background(), h.job))

	events := h.drain()
	require.Len(t, events, 2)
	assert.GreaterOrEqual(t, events[1].Duration, time.Minute)
}

// TestProcessPendingMarkerExtractsAgain 測試重新排隊後留在 pending 的標記檔會重新抽取
func TestProcessPendingMarkerExtractsAgain(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	pending := types.Location{State: types.StatePending}
	require.NoError(t, h.store.Record(h.job.ID, pending, jobstore.Marker{Source: h.source, Error: types.ErrNoMbid}))

	rec := types.Recovered{h.job.ID: pending}
	require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), h.job))

	assert.Equal(t, []string{"pending", "extracted", "success"}, states(h.drain()))
	assert.Equal(t, 1, h.ext.calls)
	assert.Equal(t, []string{testMbid}, h.cat.submitted)
	assert.Equal(t, types.Location{State: types.StateSuccess}, h.location(t))
}

func TestProcessPendingMarkerWithoutSource(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	pending := types.Location{State: types.StatePending}
	require.NoError(t, h.store.Record(h.job.ID, pending, jobstore.Marker{Source: h.source, Error: types.ErrNoMbid}))

	job := types.Job{ID: h.job.ID, State: types.StateDiscovered}
	rec := types.Recovered{h.job.ID: pending}
	require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), job))

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, "failed(nombid)", states(events)[0])
	assert.True(t, events[0].Reused)
	assert.Zero(t, h.ext.calls)
	assert.Zero(t, h.cat.checked)
	assert.Equal(t, types.Failed(types.ErrNoMbid), h.location(t))
}

// TestProcessStalePendingExtractsAgain 測試其他抽取器版本留下的 pending 文件會重新抽取
func TestProcessStalePendingExtractsAgain(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	pending := types.Location{State: types.StatePending}
	h.put(t, pending, stampedWith(t, "old-build"))

	rec := types.Recovered{h.job.ID: pending}
	require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), h.job))

	assert.Equal(t, []string{"pending", "extracted", "success"}, states(h.drain()))
	assert.Equal(t, 1, h.ext.calls)

	data, err := h.store.Read(types.Location{State: types.StateSuccess}, h.job.ID)
	require.NoError(t, err)
	doc, err := features.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, testSHA, doc.BuildSHA())
}

func TestProcessStalePendingWithoutSourceIsSubmitted(t *testing.T) {
	h := newHarness(t, featureJSON(testMbid), extractor.ClassSuccess)
	pending := types.Location{State: types.StatePending}
	h.put(t, pending, stampedWith(t, "old-build"))

	job := types.Job{ID: h.job.ID, State: types.StateDiscovered}
	rec := types.Recovered{h.job.ID: pending}
	require.NoError(t, h.processor(Config{}, rec).Process(context.Background(), job))

	assert.Equal(t, []string{"extracted", "success"}, states(h.drain()))
	assert.Zero(t, h.ext.calls)
}
