package stm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// ============================================================================
// Commit path
// ============================================================================

func TestIsolationWithoutContention(t *testing.T) {
	journal := &memoryJournal{}
	m := newTestManager(t, func(c *Config) { c.Journal = journal })
	seed(t, m, map[string]int64{"X": 1})

	r := m.Begin("incr").Op(incrOp(m, "X")).Op(incrOp(m, "X")).Build().Execute(context.Background())

	assert.Equal(t, types.StatusCommitted, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.NoError(t, r.Err)
	assert.Equal(t, int64(3), peekInt(t, m, "X"))
	assert.Equal(t, []types.EventType{types.EventBegin, types.EventCommit}, journal.typesFor("incr"))

	_, owned := m.registry.getOwner("X")
	assert.False(t, owned)
}

func TestRecordAfterCommit(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"A": 1, "B": 2})

	tx := m.Begin("copy").Op(func(ctx context.Context) Outcome {
		s, _, err := m.Read(ctx, "A")
		if err != nil {
			return Fail
		}
		if err := m.Write(ctx, "B", s); err != nil {
			return Fail
		}
		return Done
	}).Build()
	r := tx.Execute(context.Background())
	require.True(t, r.Committed())

	view := tx.Record()
	assert.True(t, view.Completed)
	assert.Equal(t, types.StatusCommitted, view.Status)
	assert.Equal(t, "copy", view.Description)
	assert.Equal(t, []string{"A"}, view.ReadSet)
	assert.Equal(t, []string{"B"}, view.WriteSet)
	assert.Equal(t, 1, view.Attempts)
	assert.True(t, tx.Completed())
}

func TestExecuteTwiceReturnsFirstResult(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 0})

	tx := m.Begin("once").Op(incrOp(m, "X")).Build()
	r1 := tx.Execute(context.Background())
	r2 := tx.Execute(context.Background())

	assert.Equal(t, r1, r2)
	assert.Equal(t, int64(1), peekInt(t, m, "X"))
}

func TestEmptyTransactionCommits(t *testing.T) {
	m := newTestManager(t)
	r := m.Begin("").Build().Execute(context.Background())
	assert.True(t, r.Committed())
}

// ============================================================================
// Failure path
// ============================================================================

func TestOperationFailureRollsBack(t *testing.T) {
	journal := &memoryJournal{}
	rec := &countingRecorder{}
	m := newTestManager(t, func(c *Config) {
		c.Journal = journal
		c.Recorder = rec
	})
	seed(t, m, map[string]int64{"X": 10})

	r := m.Begin("doomed").
		Op(writeOp(m, "X", 20)).
		Op(writeOp(m, "X", 30)).
		Op(writeOp(m, "Z", 1)).
		Op(failOp).
		Op(writeOp(m, "X", 99)). // never runs
		Build().
		Execute(context.Background())

	assert.Equal(t, types.StatusFailed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.ErrorIs(t, r.Err, ErrOperationFailed)

	// the backup is the value before the first touch, not the intermediate write
	assert.Equal(t, int64(10), peekInt(t, m, "X"))
	_, present := m.Peek("Z")
	assert.False(t, present, "cell first touched by a write returns to absent")

	for _, name := range []string{"X", "Z"} {
		_, owned := m.registry.getOwner(name)
		assert.False(t, owned, name)
	}
	assert.Equal(t, []types.EventType{types.EventBegin, types.EventFail}, journal.typesFor("doomed"))
	assert.Equal(t, int64(1), rec.failures.Load())
}

func TestPanickingOperationFails(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 1})

	r := m.Begin("panics").
		Op(writeOp(m, "X", 2)).
		Op(func(context.Context) Outcome { panic("boom") }).
		Build().
		Execute(context.Background())

	assert.Equal(t, types.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, ErrOperationFailed)
	assert.Contains(t, r.Err.Error(), "boom")
	assert.Equal(t, int64(1), peekInt(t, m, "X"))
}

func TestRollbackIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 5})

	tx := m.Begin("manual").Op(writeOp(m, "X", 6)).Build()
	tx.rec.beginAttempt()
	ok, err := tx.operate(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, int64(6), peekInt(t, m, "X"))

	tx.rollback()
	assert.Equal(t, int64(5), peekInt(t, m, "X"))
	tx.rollback()
	assert.Equal(t, int64(5), peekInt(t, m, "X"))
	_, owned := m.registry.getOwner("X")
	assert.False(t, owned)
}

func TestRollbackSkipsCellsOwnedByOthers(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 5})

	tx := m.Begin("loser").Op(writeOp(m, "X", 6)).Build()
	tx.rec.beginAttempt()
	ok, _ := tx.operate(context.Background())
	require.True(t, ok)

	// another transaction took over and wrote X
	other := newTransaction(m, 99, "winner")
	m.registry.setOwner("X", other)
	m.registry.rawWrite("X", int64(9))

	tx.rollback()
	assert.Equal(t, int64(9), peekInt(t, m, "X"))
	owner, _ := m.registry.getOwner("X")
	assert.Same(t, other, owner)
}

func TestReadWriteWithoutTransaction(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.Read(context.Background(), "X")
	assert.ErrorIs(t, err, ErrNoTransaction)

	err = m.Write(context.Background(), "X", int64(1))
	assert.ErrorIs(t, err, ErrNoTransaction)

	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

// ============================================================================
// Conflict path
// ============================================================================

// TestConflictDetection: T1 reads X, T2 commits a write to X before T1
// validates, T1 rolls back and commits on its second attempt.
func TestConflictDetection(t *testing.T) {
	journal := &memoryJournal{}
	m := newTestManager(t, func(c *Config) { c.Journal = journal })
	seed(t, m, map[string]int64{"X": 0})

	readDone := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int64
	var seen []int64

	t1 := m.Begin("t1").Op(func(ctx context.Context) Outcome {
		s, _, err := m.Read(ctx, "X")
		if err != nil {
			return Fail
		}
		seen = append(seen, s.(int64))
		if calls.Inc() == 1 {
			close(readDone)
			<-proceed
		}
		if err := m.Write(ctx, "Y", s); err != nil {
			return Fail
		}
		return Done
	}).Build()
	t1.Start(context.Background(), nil)

	<-readDone
	r2 := m.Begin("t2").Op(writeOp(m, "X", 42)).Build().Execute(context.Background())
	require.True(t, r2.Committed())
	close(proceed)

	r1 := t1.Wait()
	assert.Equal(t, types.StatusCommitted, r1.Status)
	assert.Equal(t, 2, r1.Attempts)
	assert.Equal(t, []int64{0, 42}, seen)
	assert.Equal(t, int64(42), peekInt(t, m, "Y"))
	assert.Equal(t, []types.EventType{
		types.EventBegin, types.EventConflict, types.EventRollback,
		types.EventBegin, types.EventCommit,
	}, journal.typesFor("t1"))
}

// TestWriteToOwnedCellRetries: a write to a cell claimed by a live
// transaction is a conflict, not an operation failure.
func TestWriteToOwnedCellRetries(t *testing.T) {
	rec := &countingRecorder{}
	m := newTestManager(t, func(c *Config) { c.Recorder = rec })
	seed(t, m, map[string]int64{"X": 0})

	claimed := make(chan struct{})
	hold := make(chan struct{})
	var calls atomic.Int64

	t1 := m.Begin("holder").Op(func(ctx context.Context) Outcome {
		if err := m.Write(ctx, "X", int64(1)); err != nil {
			return Fail
		}
		if calls.Inc() == 1 {
			close(claimed)
			<-hold
		}
		return Done
	}).Build()
	t1.Start(context.Background(), nil)
	<-claimed

	t2 := m.Begin("contender").Op(writeOp(m, "X", 2)).Build()
	t2.Start(context.Background(), nil)

	assert.Eventually(t, func() bool { return rec.conflicts.Load() >= 1 }, 2*time.Second, time.Millisecond)
	close(hold)

	r1 := t1.Wait()
	r2 := t2.Wait()
	assert.True(t, r1.Committed())
	assert.True(t, r2.Committed())
	assert.GreaterOrEqual(t, r2.Attempts, 2)
	assert.Equal(t, int64(0), rec.failures.Load())
	assert.Equal(t, int64(2), peekInt(t, m, "X"))
}

// TestReadOnlyRejectsUncommittedValue: a reader that saw a value written by a
// live transaction does not commit until that writer finishes.
func TestReadOnlyRejectsUncommittedValue(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 0})

	claimed := make(chan struct{})
	hold := make(chan struct{})
	var calls atomic.Int64

	writer := m.Begin("writer").Op(writeOp(m, "X", 7)).Op(func(context.Context) Outcome {
		if calls.Inc() == 1 {
			close(claimed)
			<-hold
		}
		return Fail
	}).Build()
	writer.Start(context.Background(), nil)
	<-claimed

	var observed atomic.Int64
	reader := m.Begin("reader").Op(func(ctx context.Context) Outcome {
		s, _, err := m.Read(ctx, "X")
		if err != nil {
			return Fail
		}
		observed.Store(s.(int64))
		return Done
	}).Build()
	reader.Start(context.Background(), nil)

	// the reader keeps retrying while the writer holds X
	time.Sleep(20 * time.Millisecond)
	assert.False(t, reader.Completed())
	close(hold)

	rw := writer.Wait()
	rr := reader.Wait()
	assert.Equal(t, types.StatusFailed, rw.Status)
	assert.True(t, rr.Committed())
	assert.Equal(t, int64(0), observed.Load())
}

func TestBackupCapturedOnceOnFirstRead(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 5})

	tx := m.Begin("read-write-rmw").Op(func(ctx context.Context) Outcome {
		if _, _, err := m.Read(ctx, "X"); err != nil {
			return Fail
		}
		if err := m.Write(ctx, "X", int64(50)); err != nil {
			return Fail
		}
		s, _, err := m.Read(ctx, "X")
		if err != nil {
			return Fail
		}
		if err := m.Write(ctx, "X", s.(int64)+1); err != nil {
			return Fail
		}
		return Done
	}).Build()

	r := tx.Execute(context.Background())
	require.True(t, r.Committed(), "%+v", r)
	require.Equal(t, 1, r.Attempts)

	assert.Len(t, tx.rec.backups, 1)
	assert.Equal(t, State(int64(5)), tx.rec.backups["X"], "backup is the value before the first touch")
	assert.Equal(t, int64(51), peekInt(t, m, "X"))
	assert.Equal(t, []string{"X"}, tx.Record().ReadSet)
	assert.Equal(t, []string{"X"}, tx.Record().WriteSet)
}

func TestBackupCapturedOnceOnFirstWrite(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"Y": 7})

	tx := m.Begin("write-read-write").Op(func(ctx context.Context) Outcome {
		if err := m.Write(ctx, "Y", int64(70)); err != nil {
			return Fail
		}
		s, _, err := m.Read(ctx, "Y")
		if err != nil || s.(int64) != 70 {
			return Fail
		}
		if err := m.Write(ctx, "Y", int64(71)); err != nil {
			return Fail
		}
		return Done
	}).Build()

	r := tx.Execute(context.Background())
	require.True(t, r.Committed(), "%+v", r)

	assert.Len(t, tx.rec.backups, 1)
	assert.Equal(t, State(int64(7)), tx.rec.backups["Y"])
	assert.Equal(t, int64(71), peekInt(t, m, "Y"))
}

func TestLostUpdateGuard(t *testing.T) {
	m := newTestManager(t)
	seed(t, m, map[string]int64{"X": 0})

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	txs := make([]*Transaction, n)
	for i := range txs {
		txs[i] = m.Begin(fmt.Sprintf("incr-%d", i)).Op(incrOp(m, "X")).Build()
	}
	for _, tx := range txs {
		tx.Start(context.Background(), &wg)
	}
	wg.Wait()

	for _, tx := range txs {
		assert.True(t, tx.Wait().Committed())
	}
	assert.Equal(t, int64(n), peekInt(t, m, "X"))
}

// ============================================================================
// Abort path
// ============================================================================

func TestRetryCapAborts(t *testing.T) {
	journal := &memoryJournal{}
	rec := &countingRecorder{}
	m := newTestManager(t, func(c *Config) {
		c.MaxAttempts = 1
		c.Journal = journal
		c.Recorder = rec
	})
	seed(t, m, map[string]int64{"X": 0})

	claimed := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	t1 := m.Begin("holder").Op(writeOp(m, "X", 1)).Op(func(context.Context) Outcome {
		once.Do(func() { close(claimed) })
		<-hold
		return Done
	}).Build()
	t1.Start(context.Background(), nil)
	<-claimed

	r2 := m.Begin("capped").Op(writeOp(m, "X", 2)).Build().Execute(context.Background())
	assert.Equal(t, types.StatusAborted, r2.Status)
	assert.Equal(t, 1, r2.Attempts)
	assert.ErrorIs(t, r2.Err, ErrAborted)
	assert.Equal(t, []types.EventType{
		types.EventBegin, types.EventConflict, types.EventRollback, types.EventAbort,
	}, journal.typesFor("capped"))

	close(hold)
	assert.True(t, t1.Wait().Committed())
	assert.Equal(t, int64(1), peekInt(t, m, "X"))
	assert.Equal(t, int64(1), rec.aborts.Load())
}

func TestContextCancellationAborts(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.Backoff = 10 * time.Second
		c.BackoffStrategy = StrategyConstant
	})
	seed(t, m, map[string]int64{"X": 0})

	claimed := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	t1 := m.Begin("holder").Op(writeOp(m, "X", 1)).Op(func(context.Context) Outcome {
		once.Do(func() { close(claimed) })
		<-hold
		return Done
	}).Build()
	t1.Start(context.Background(), nil)
	<-claimed

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	r := m.Begin("impatient").Op(writeOp(m, "X", 2)).Build().Execute(ctx)

	assert.Equal(t, types.StatusAborted, r.Status)
	assert.ErrorIs(t, r.Err, ErrAborted)
	assert.Less(t, time.Since(start), 5*time.Second)

	close(hold)
	assert.True(t, t1.Wait().Committed())
}

func TestCancelledBeforeStart(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := m.Begin("never").Op(failOp).Build().Execute(ctx)
	assert.Equal(t, types.StatusAborted, r.Status)
	assert.Equal(t, 0, r.Attempts)
	assert.True(t, errors.Is(r.Err, ErrAborted))
}

type failingScheduler struct{}

func (failingScheduler) Schedule(string, func()) error { return errors.New("no capacity") }

func TestScheduleErrorAborts(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.Scheduler = failingScheduler{} })
	r := m.Begin("unscheduled").Build().Execute(context.Background())
	assert.Equal(t, types.StatusAborted, r.Status)
	assert.ErrorIs(t, r.Err, ErrAborted)
}
