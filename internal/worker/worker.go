// ============================================================================
// farewatch Worker - Fare Lookup Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs fare lookups, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Call Fetcher.Fetch with a per-task timeout
//   3. Send result to resultCh
//   4. Repeat until the pool context is cancelled
//
// Timeout Control:
//   Each task context derives from the pool context with its own timeout, so
//   stopping the pool also aborts lookups that are still running.
//
// Panic Handling:
//   A panicking Fetcher is reported as a failed Result; the Worker keeps running.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	fetcher  Fetcher       // Fare source
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(id int, fetcher Fetcher, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		fetcher:  fetcher,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker. It returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		var task Task
		select {
		case <-ctx.Done():
			return
		case task = <-w.taskCh:
		}

		start := time.Now()

		taskCtx, cancel := context.WithTimeout(ctx, task.Timeout)
		resp, err := w.execute(taskCtx, task)
		cancel()

		result := Result{
			TaskID:   task.ID,
			Response: resp,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-ctx.Done():
			log.Debug("Dropping result after stop", "worker", w.id, "task", task.ID)
			return
		}
	}
}

// execute runs the fetch, converting a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (resp types.FareResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return w.fetcher.Fetch(ctx, task.Fetch)
}
