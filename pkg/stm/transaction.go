// ============================================================================
// Beaver-STM Transaction Engine - 交易狀態機
// ============================================================================
//
// Package: pkg/stm
// File: transaction.go
// Function: runs one transaction's operation list until it commits, fails or aborts
//
// State machine:
//   RUNNING --operate ok + validate ok--> COMMITTED
//   RUNNING --operate Fail-------------> FAILED    (rollback, no retry)
//   RUNNING --conflict-----------------> RETRYING  (rollback, backoff) --> RUNNING
//   RETRYING --retry cap / ctx done----> ABORTED
//
// Per attempt:
//   1. operate: run operations in order, first Fail short-circuits
//   2. a write-claim conflict during operate counts as a conflict whatever the
//      operations returned
//   3. validate: every read-set member that is not in the write-set must still
//      equal its first-touch snapshot and must not be claimed by a live
//      transaction
//   4. commit releases ownership of the write-set; rollback restores the
//      write-set from the snapshots and releases ownership
//
// Execution model:
//   A transaction is scheduled as its own unit of execution (goroutine or
//   worker pool task). Execute blocks the caller until a terminal state.
//
// ============================================================================

package stm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// Outcome is what an operation reports.
type Outcome int

const (
	// Done: the operation succeeded.
	Done Outcome = iota
	// Fail: the operation logic hit an unrecoverable error.
	Fail
)

func (o Outcome) String() string {
	if o == Done {
		return "DONE"
	}
	return "FAIL"
}

// Operation is one step of a transaction. ctx carries the transaction; pass
// it to Manager.Read and Manager.Write.
type Operation func(ctx context.Context) Outcome

// Latch is a countdown signal decremented when a transaction finishes.
// *sync.WaitGroup satisfies it.
type Latch interface {
	Done()
}

// Result is the terminal outcome of a transaction.
type Result struct {
	Status   types.TxStatus
	Attempts int
	Err      error
}

// Committed reports whether the transaction committed.
func (r Result) Committed() bool { return r.Status == types.StatusCommitted }

// Transaction is a named bag of operations executed against a Manager.
type Transaction struct {
	mgr *Manager
	rec *record
	ops []Operation
	log *slog.Logger

	startOnce sync.Once
	done      chan struct{}
	result    Result
}

func newTransaction(mgr *Manager, version uint64, description string) *Transaction {
	return &Transaction{
		mgr:  mgr,
		rec:  newRecord(version, description),
		log:  mgr.log.With("tx", description, "version", version),
		done: make(chan struct{}),
	}
}

// Version returns the version stamped at Begin.
func (t *Transaction) Version() uint64 { return t.rec.version }

// Description returns the human readable name of the transaction.
func (t *Transaction) Description() string { return t.rec.description }

// Status returns the current state. Safe to call concurrently.
func (t *Transaction) Status() types.TxStatus { return t.rec.currentStatus() }

// Completed reports whether the transaction reached a terminal state.
func (t *Transaction) Completed() bool { return t.rec.isCompleted() }

// Record returns a copy of the record. Sets reflect the last attempt and are
// only stable once the transaction has completed.
func (t *Transaction) Record() RecordView {
	return RecordView{
		Version:     t.rec.version,
		Description: t.rec.description,
		Completed:   t.rec.isCompleted(),
		Status:      t.rec.currentStatus(),
		Attempts:    int(t.rec.attempts.Load()),
		ReadSet:     sortedNames(t.rec.readSet),
		WriteSet:    sortedNames(t.rec.writeSet),
	}
}

// Execute runs the transaction and blocks until it is committed, failed or
// aborted. Executing an already started transaction waits for its result.
func (t *Transaction) Execute(ctx context.Context) Result {
	t.Start(ctx, nil)
	return t.Wait()
}

// ExecuteLatch is Execute that also counts latch down on completion.
func (t *Transaction) ExecuteLatch(ctx context.Context, latch Latch) Result {
	t.Start(ctx, latch)
	return t.Wait()
}

// Start schedules the transaction without waiting. latch may be nil. Only
// the first call starts anything; later calls only count their latch down
// when the transaction finishes.
func (t *Transaction) Start(ctx context.Context, latch Latch) {
	t.startOnce.Do(func() {
		run := func() {
			defer close(t.done)
			t.run(ctx)
		}
		if err := t.mgr.scheduler.Schedule(t.rec.description, run); err != nil {
			t.finish(types.StatusAborted, fmt.Errorf("%w: schedule: %v", ErrAborted, err))
			close(t.done)
		}
	})
	if latch == nil {
		return
	}
	go func() {
		<-t.done
		latch.Done()
	}()
}

// Wait blocks until the transaction finishes and returns its result.
func (t *Transaction) Wait() Result {
	<-t.done
	return t.result
}

// Done is closed when the transaction reaches a terminal state.
func (t *Transaction) Done() <-chan struct{} { return t.done }

func (t *Transaction) run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	bo := t.mgr.cfg.newBackOff()
	t.mgr.recorder.RecordStart()
	t.log.Debug("Transaction started")

	for !t.rec.isCompleted() {
		if err := ctx.Err(); err != nil {
			t.abort(fmt.Errorf("%w: %v", ErrAborted, err))
			break
		}

		attempt := t.rec.beginAttempt()
		t.mgr.recorder.RecordAttempt()
		t.emit(types.EventBegin, attempt, nil, "")

		ok, opErr := t.operate(ctx)

		var conflict error
		switch {
		case t.rec.conflict != nil:
			conflict = t.rec.conflict
		case !ok:
			t.log.Error("Operation failed, rolling back", "attempt", attempt, "error", opErr)
			t.rollback()
			t.mgr.recorder.RecordFailure()
			reason := ""
			if opErr != nil {
				reason = opErr.Error()
			}
			t.emit(types.EventFail, attempt, sortedNames(t.rec.writeSet), reason)
			err := ErrOperationFailed
			if opErr != nil {
				err = fmt.Errorf("%w: %v", ErrOperationFailed, opErr)
			}
			t.finish(types.StatusFailed, err)
			continue
		default:
			conflict = t.validate()
		}

		if conflict == nil {
			t.releaseOwnership()
			t.finish(types.StatusCommitted, nil)
			t.mgr.recorder.RecordCommit(attempt, time.Since(start))
			t.emit(types.EventCommit, attempt, sortedNames(t.rec.writeSet), "")
			t.log.Debug("Transaction committed", "attempt", attempt)
			continue
		}

		t.log.Warn("Transaction conflict, rolling back and retrying", "attempt", attempt, "error", conflict)
		t.mgr.recorder.RecordConflict()
		t.emit(types.EventConflict, attempt, conflictCells(conflict), conflict.Error())
		t.rollback()
		t.emit(types.EventRollback, attempt, sortedNames(t.rec.writeSet), "")
		t.rec.setStatus(types.StatusRetrying)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			t.abort(fmt.Errorf("%w after %d attempts: %v", ErrAborted, attempt, conflict))
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.abort(fmt.Errorf("%w: %v", ErrAborted, ctx.Err()))
		case <-timer.C:
		}
	}

	t.log.Debug("Transaction ended", "status", t.rec.currentStatus())
}

// operate runs the operation list. A panicking operation counts as Fail.
func (t *Transaction) operate(ctx context.Context) (ok bool, err error) {
	opCtx := withTransaction(ctx, t)
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	for i, op := range t.ops {
		if op(opCtx) == Fail {
			return false, fmt.Errorf("operation %d of %d returned FAIL", i+1, len(t.ops))
		}
	}
	return true, nil
}

// validate checks read-only members of the read-set against their snapshots
// in one registry critical section.
func (t *Transaction) validate() error {
	var readOnly []string
	for _, name := range sortedNames(t.rec.readSet) {
		if !t.rec.writes(name) {
			readOnly = append(readOnly, name)
		}
	}
	if len(readOnly) == 0 {
		return nil
	}
	return t.mgr.registry.verify(readOnly, t, func(name string) State {
		s, _ := t.rec.backup(name)
		return s
	})
}

// rollback restores every write-set cell this transaction still owns to its
// snapshot, then releases ownership. Calling it again changes nothing.
func (t *Transaction) rollback() {
	reg := t.mgr.registry
	for _, name := range sortedNames(t.rec.writeSet) {
		if owner, ok := reg.getOwner(name); !ok || owner != t {
			continue
		}
		snap, _ := t.rec.backup(name)
		reg.rawWrite(name, snap)
	}
	t.releaseOwnership()
	t.log.Debug("Rollback complete")
}

func (t *Transaction) releaseOwnership() {
	reg := t.mgr.registry
	for _, name := range sortedNames(t.rec.writeSet) {
		if owner, ok := reg.getOwner(name); ok && owner == t {
			reg.releaseOwner(name)
		}
	}
}

func (t *Transaction) abort(err error) {
	attempts := int(t.rec.attempts.Load())
	t.log.Error("Transaction aborted", "attempts", attempts, "error", err)
	t.mgr.recorder.RecordAbort()
	t.emit(types.EventAbort, attempts, nil, err.Error())
	t.finish(types.StatusAborted, err)
}

func (t *Transaction) finish(status types.TxStatus, err error) {
	t.result = Result{
		Status:   status,
		Attempts: int(t.rec.attempts.Load()),
		Err:      err,
	}
	t.rec.complete(status)
}

func (t *Transaction) emit(typ types.EventType, attempt int, cells []string, reason string) {
	if t.mgr.journal == nil {
		return
	}
	event := types.TxEvent{
		Type:        typ,
		Version:     t.rec.version,
		Description: t.rec.description,
		Attempt:     attempt,
		Cells:       cells,
		Reason:      reason,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := t.mgr.journal.Append(event); err != nil {
		t.log.Error("Failed to append journal event", "type", typ, "error", err)
	}
}

func conflictCells(err error) []string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return []string{ce.Cell}
	}
	return nil
}
