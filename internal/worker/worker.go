// ============================================================================
// Beaver-STM Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs scheduled transactions, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task body to completion (a transaction runs all of its attempts here)
//   3. Update pool statistics
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   │    └─ recover() on panic │   │
//   │  │   └─ update stats            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Panic Recovery:
//   A panicking task is logged and counted; the Worker keeps serving the
//   channel, so one bad task never shrinks the pool.
//
// ============================================================================

package worker

import (
	"fmt"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id     int         // Worker unique identifier, used for logging and debugging
	taskCh <-chan Task // Task channel (read-only), receives tasks to execute
	stats  *counters   // shared with the pool
	log    *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, stats *counters, log *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		stats:  stats,
		log:    log.With("worker", id),
	}
}

// Run is the main loop of Worker, receives tasks from task channel and runs them
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		w.stats.executed.Inc()
		w.stats.busy.Add(int64(time.Since(start)))
		if err != nil {
			w.stats.panicked.Inc()
			w.log.Error("Task panicked", "task", task.ID, "error", err)
		}
	}
}

// execute runs the task body. A panic is converted into an error.
func (w *Worker) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if task.Run == nil {
		return nil
	}
	task.Run()
	return nil
}
