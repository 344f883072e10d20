// ============================================================================
// abz-submit Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and feeds jobs to the Handler
//
// How it works:
//   1. Receive job from jobCh (blocking wait)
//   2. Run the handler with the pool context
//   3. Repeat until jobCh is closed
//
// Once the context is cancelled the remaining queue entries are drained and
// dropped without running the handler.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

var log = slog.Default()

// Stats counts what a worker did with the jobs it dequeued.
type Stats struct {
	Processed int64 // handler returned nil
	Errors    int64 // handler returned an error
	Skipped   int64 // dropped after cancellation
}

// Worker represents a work execution unit
type Worker struct {
	id      int
	jobCh   <-chan types.Job
	handler Handler

	processed atomic.Int64
	errors    atomic.Int64
	skipped   atomic.Int64
}

func newWorker(id int, jobCh <-chan types.Job, handler Handler) *Worker {
	return &Worker{
		id:      id,
		jobCh:   jobCh,
		handler: handler,
	}
}

// Run is the main loop of the Worker.
func (w *Worker) Run(ctx context.Context) {
	log.Debug("Worker started", "worker_id", w.id)
	defer log.Debug("Worker exited", "worker_id", w.id)

	for job := range w.jobCh {
		if ctx.Err() != nil {
			w.skipped.Add(1)
			continue
		}

		if err := w.handler(ctx, job); err != nil {
			w.errors.Add(1)
			log.Warn("Job did not complete",
				"worker_id", w.id,
				"job_id", job.ID,
				"error", err)
			continue
		}
		w.processed.Add(1)
	}
}

func (w *Worker) stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Errors:    w.errors.Load(),
		Skipped:   w.skipped.Load(),
	}
}
