// ============================================================================
// abz-submit Stage Processor
// ============================================================================
//
// Package: internal/pipeline
// File: processor.go
// Purpose: Drives one job through Extract → Dedup → Submit.
//
// State machine per job:
//   Discovered → Pending → Extracted → Duplicate | Success | Failed(submission)
//                        ↘ Failed(nombid | extraction | unknownerror | jsonerror)
//                                   ↘ Failed(badmbid | notrackid)
//
// Each stage relocates the artifact inside the Job Store before it emits the
// matching event, so the last emitted state always names the directory that
// holds the document.
//
// Recovered jobs:
//   success / failed          → untouched, one Reused event
//   duplicate (current sha)   → untouched, one Reused Duplicate event
//   duplicate (stale sha)     → moved back to pending and extracted again
//   pending                   → existing document reused, extraction skipped
//   pending (marker / stale)  → extracted again when the audio file is known
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/abz-submit/internal/catalog"
	"github.com/ChuLiYu/abz-submit/internal/extractor"
	"github.com/ChuLiYu/abz-submit/internal/features"
	"github.com/ChuLiYu/abz-submit/internal/jobstore"
	"github.com/ChuLiYu/abz-submit/pkg/types"
)

var log = slog.Default()

var (
	locPending   = types.Location{State: types.StatePending}
	locDuplicate = types.Location{State: types.StateDuplicate}
	locSuccess   = types.Location{State: types.StateSuccess}
)

// Extractor runs the external feature extractor.
type Extractor interface {
	Extract(ctx context.Context, input, output string) (extractor.Result, error)
}

// Catalog is the remote feature catalog.
type Catalog interface {
	IsDuplicate(ctx context.Context, recordingID, currentVersion string) (bool, error)
	Submit(ctx context.Context, recordingID string, document []byte) error
}

// Config 所有 worker 共用的唯讀設定
type Config struct {
	BuildSHA string // 抽取器二進位檔的 SHA-1
	Version  string // 抽取器自報的版本，文件未帶版本時使用
	Offline  bool   // 只抽取，不連線遠端
}

// Processor 處理單一任務的三個階段
//
// Processor 本身沒有可變狀態，可被多個 worker 同時使用。
type Processor struct {
	cfg       Config
	store     *jobstore.Store
	extractor Extractor
	catalog   Catalog
	recovered types.Recovered
	events    chan<- types.Event
}

// NewProcessor 建立處理器
//
// recovered 在 worker 啟動後只會被讀取。catalog 在離線模式下可以為 nil。
func NewProcessor(cfg Config, store *jobstore.Store, ext Extractor, cat Catalog, recovered types.Recovered, events chan<- types.Event) *Processor {
	if recovered == nil {
		recovered = types.Recovered{}
	}
	return &Processor{
		cfg:       cfg,
		store:     store,
		extractor: ext,
		catalog:   cat,
		recovered: recovered,
		events:    events,
	}
}

// Process runs job through every stage it still needs.
//
// Per-job failures become Failed events and Process returns nil. A non-nil
// error means the job was interrupted (context cancelled) or its artifact could
// not be relocated; in both cases the job stays where it was and is picked up
// again by the next run.
func (p *Processor) Process(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	loc, known := p.recovered[job.ID]
	if known {
		switch loc.State {
		case types.StateSuccess:
			p.emit(&job, types.StateSuccess, types.ErrNone, 0, true, "")
			return nil
		case types.StateFailed:
			p.emit(&job, loc.State, loc.Error, 0, true, "")
			return nil
		case types.StateDuplicate:
			if p.currentDuplicate(job) {
				p.emit(&job, types.StateDuplicate, types.ErrNone, 0, true, "")
				return nil
			}
			log.Info("Duplicate was produced by another extractor build, extracting again", "job_id", job.ID)
			if err := p.store.Move(job.ID, locDuplicate, locPending); err != nil {
				return fmt.Errorf("requeue stale duplicate: %w", err)
			}
			known = false
		case types.StatePending, types.StateExtracted:
		default:
			known = false
		}
	}

	var (
		doc  features.Document
		body []byte
		ok   bool
		err  error
	)
	if known && p.store.Exists(locPending, job.ID) && !p.stalePending(job) {
		doc, body, ok = p.reusePending(&job)
	} else {
		doc, body, ok, err = p.extract(ctx, &job)
		if err != nil {
			return err
		}
	}
	if ok && !p.cfg.Offline {
		err = p.submit(ctx, &job, doc, body)
	}

	log.Debug("Job settled",
		"job_id", job.ID,
		"state", job.State,
		"error", job.Error,
		"extraction_time", job.ExtractionTime,
		"submission_time", job.SubmissionTime)
	return err
}

// currentDuplicate reports whether the stored duplicate was stamped by the
// extractor binary in use now.
func (p *Processor) currentDuplicate(job types.Job) bool {
	data, err := p.store.Read(locDuplicate, job.ID)
	if err != nil {
		log.Warn("Cannot read duplicate document", "job_id", job.ID, "error", err)
		return true
	}
	doc, err := features.Parse(data)
	if err != nil {
		return true
	}
	return doc.BuildSHA() == "" || doc.BuildSHA() == p.cfg.BuildSHA
}

// stalePending reports whether the pending file has to be produced again: it
// is a failure marker, or features from another extractor build. Jobs resumed
// without their audio file can never be extracted and are never stale.
func (p *Processor) stalePending(job types.Job) bool {
	if job.Source == "" {
		return false
	}
	data, err := p.store.Read(locPending, job.ID)
	if err != nil {
		return false
	}
	if jobstore.IsMarker(data) {
		log.Info("Pending entry is a failure marker, extracting again", "job_id", job.ID)
		if err := p.store.Remove(locPending, job.ID); err != nil {
			log.Warn("Cannot remove failure marker", "job_id", job.ID, "error", err)
		}
		return true
	}
	doc, err := features.Parse(data)
	if err != nil {
		return false
	}
	if sha := doc.BuildSHA(); sha != "" && sha != p.cfg.BuildSHA {
		log.Info("Pending document was produced by another extractor build, extracting again",
			"job_id", job.ID, "build_sha", sha)
		return true
	}
	return false
}

// reusePending loads a document left in pending by an earlier run.
func (p *Processor) reusePending(job *types.Job) (features.Document, []byte, bool) {
	data, err := p.store.Read(locPending, job.ID)
	if err != nil {
		p.emit(job, types.StateExtracted, types.ErrNone, 0, true, "")
		log.Error("Cannot read pending document", "job_id", job.ID, "error", err)
		return nil, nil, false
	}

	// 沒有音訊檔可重新抽取的標記檔：放回對應的失敗目錄
	if marker, isMarker := jobstore.ParseMarker(data); isMarker {
		kind := marker.Error
		if !kind.Valid() {
			kind = types.ErrUnknown
		}
		if err := p.store.Move(job.ID, locPending, types.Failed(kind)); err != nil {
			log.Error("Cannot restore failure marker", "job_id", job.ID, "error", err)
		}
		p.emit(job, types.StateFailed, kind, 0, true, marker.Output)
		return nil, nil, false
	}

	p.emit(job, types.StateExtracted, types.ErrNone, 0, true, "")
	doc, err := features.Parse(data)
	if err != nil {
		p.failFromPending(job, types.ErrJSON, 0, err.Error())
		return nil, nil, false
	}
	// 上次在 commit 與 stamp 之間中斷
	if doc.BuildSHA() == "" {
		stamped, ok := p.stamp(job, doc, 0)
		if !ok {
			return nil, nil, false
		}
		data = stamped
	}
	return doc, data, true
}

// extractionStart is the enqueue time of job; jobs built without one are
// timed from dequeue.
func extractionStart(job *types.Job) time.Time {
	now := time.Now()
	if job.EnqueuedAt.IsZero() || job.EnqueuedAt.After(now) {
		return now
	}
	return job.EnqueuedAt
}

// extract runs the extractor and settles the extraction stage.
func (p *Processor) extract(ctx context.Context, job *types.Job) (features.Document, []byte, bool, error) {
	start := extractionStart(job)
	p.emit(job, types.StatePending, types.ErrNone, 0, false, "")

	staged := p.store.StagingPath(extractor.StagingName(job.Source))
	p.store.Discard(staged)

	res, err := p.extractor.Extract(ctx, job.Source, staged)
	if err != nil {
		p.store.Discard(staged)
		return nil, nil, false, err
	}
	job.ExtractionTime = time.Since(start)

	if extractErr := res.Err(job.Source); extractErr != nil {
		kind := res.Class.ErrorKind()
		log.Warn("Extraction failed",
			"job_id", job.ID,
			"kind", kind,
			"error", extractErr)
		p.failExtraction(job, kind, staged, res.Output)
		return nil, nil, false, nil
	}

	if err := p.store.Commit(job.ID, staged, locPending); err != nil {
		log.Error("Cannot commit extractor output", "job_id", job.ID, "error", err)
		p.failExtraction(job, types.ErrUnknown, staged, err.Error())
		return nil, nil, false, nil
	}

	data, err := p.store.Read(locPending, job.ID)
	if err != nil {
		p.failFromPending(job, types.ErrUnknown, job.ExtractionTime, err.Error())
		return nil, nil, false, nil
	}
	doc, err := features.Parse(data)
	if err != nil {
		p.failFromPending(job, types.ErrJSON, job.ExtractionTime, err.Error())
		return nil, nil, false, nil
	}
	stamped, ok := p.stamp(job, doc, job.ExtractionTime)
	if !ok {
		return nil, nil, false, nil
	}

	p.emit(job, types.StateExtracted, types.ErrNone, job.ExtractionTime, false, "")
	return doc, stamped, true, nil
}

// stamp writes the extractor build sha into the pending document. elapsed is
// reported with the failure when stamping does not succeed.
func (p *Processor) stamp(job *types.Job, doc features.Document, elapsed time.Duration) ([]byte, bool) {
	doc.StampBuildSHA(p.cfg.BuildSHA)
	data, err := doc.Marshal()
	if err == nil {
		err = p.store.Rewrite(locPending, job.ID, data)
	}
	if err != nil {
		log.Error("Cannot stamp feature document", "job_id", job.ID, "error", err)
		p.failFromPending(job, types.ErrUnknown, elapsed, err.Error())
		return nil, false
	}
	return data, true
}

// submit runs the dedup check and the submission.
func (p *Processor) submit(ctx context.Context, job *types.Job, doc features.Document, body []byte) error {
	start := time.Now()
	elapsed := func() time.Duration {
		job.SubmissionTime = time.Since(start)
		return job.SubmissionTime
	}

	recordingID, err := doc.RecordingID()
	if err != nil {
		kind := types.ErrBadMbid
		if errors.Is(err, features.ErrNoTrackID) {
			kind = types.ErrNoTrackID
		}
		p.failFromPending(job, kind, elapsed(), err.Error())
		return nil
	}

	version := doc.ExtractorVersion()
	if version == "" {
		version = p.cfg.Version
	}

	duplicate, err := p.catalog.IsDuplicate(ctx, recordingID, version)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, catalog.ErrRemoteUnavailable):
		log.Warn("Duplicate check unavailable, submitting anyway", "job_id", job.ID, "mbid", recordingID, "error", err)
	default:
		log.Warn("Duplicate check failed, submitting anyway", "job_id", job.ID, "mbid", recordingID, "error", err)
	}

	if duplicate {
		if err := p.store.Move(job.ID, locPending, locDuplicate); err != nil {
			return fmt.Errorf("record duplicate: %w", err)
		}
		p.emit(job, types.StateDuplicate, types.ErrNone, elapsed(), false, "")
		return nil
	}

	if err := p.catalog.Submit(ctx, recordingID, body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("Submission failed", "job_id", job.ID, "mbid", recordingID, "error", err)
		p.failFromPending(job, types.ErrSubmission, elapsed(), err.Error())
		return nil
	}

	if err := p.store.Move(job.ID, locPending, locSuccess); err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	p.emit(job, types.StateSuccess, types.ErrNone, elapsed(), false, "")
	return nil
}

// failExtraction moves whatever the extractor left behind into failed/<kind>.
// Without any artifact a marker is written so the failure survives a restart.
func (p *Processor) failExtraction(job *types.Job, kind types.ErrorKind, staged string, output string) {
	dst := types.Failed(kind)
	var err error
	switch {
	case fileExists(staged):
		err = p.store.Commit(job.ID, staged, dst)
		if err == nil && p.store.Exists(locPending, job.ID) {
			p.removePending(job)
		}
	case p.store.Exists(locPending, job.ID):
		err = p.store.Move(job.ID, locPending, dst)
	default:
		err = p.store.Record(job.ID, dst, jobstore.Marker{Source: job.Source, Error: kind, Output: output})
	}
	if err != nil {
		log.Error("Cannot record extraction failure", "job_id", job.ID, "kind", kind, "error", err)
	}
	p.emit(job, types.StateFailed, kind, job.ExtractionTime, false, output)
}

// failFromPending moves the pending document into failed/<kind>.
func (p *Processor) failFromPending(job *types.Job, kind types.ErrorKind, elapsed time.Duration, detail string) {
	if err := p.store.Move(job.ID, locPending, types.Failed(kind)); err != nil {
		log.Error("Cannot move document to failed", "job_id", job.ID, "kind", kind, "error", err)
	}
	p.emit(job, types.StateFailed, kind, elapsed, false, detail)
}

func (p *Processor) removePending(job *types.Job) {
	path, err := p.store.Path(locPending, job.ID)
	if err != nil {
		return
	}
	p.store.Discard(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// emit records the transition on job and sends it to the aggregator.
func (p *Processor) emit(job *types.Job, state types.State, kind types.ErrorKind, d time.Duration, reused bool, output string) {
	job.State = state
	job.Error = kind
	p.events <- types.Event{
		Kind:     types.EventTransition,
		JobID:    job.ID,
		Source:   job.Source,
		State:    state,
		Error:    kind,
		Duration: d,
		Reused:   reused,
		Output:   output,
	}
}
