package stm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager 建立測試用 Manager：毫秒級 jittered backoff，靜音 logger
func newTestManager(t *testing.T, opts ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Backoff:         time.Millisecond,
		BackoffStrategy: StrategyExponential,
		MaxBackoff:      10 * time.Millisecond,
		Logger:          quietLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// seed writes initial payloads through a setup transaction.
func seed(t *testing.T, m *Manager, values map[string]int64) {
	t.Helper()
	b := m.Begin("setup")
	for name, v := range values {
		_, err := m.CreateCell(name, nil)
		require.NoError(t, err)
		b.Op(writeOp(m, name, v))
	}
	r := b.Build().Execute(context.Background())
	require.True(t, r.Committed(), "setup: %+v", r)
}

func writeOp(m *Manager, name string, v int64) Operation {
	return func(ctx context.Context) Outcome {
		if err := m.Write(ctx, name, v); err != nil {
			return Fail
		}
		return Done
	}
}

func incrOp(m *Manager, name string) Operation {
	return func(ctx context.Context) Outcome {
		s, _, err := m.Read(ctx, name)
		if err != nil {
			return Fail
		}
		n, _ := s.(int64)
		if err := m.Write(ctx, name, n+1); err != nil {
			return Fail
		}
		return Done
	}
}

func failOp(context.Context) Outcome { return Fail }

func peekInt(t *testing.T, m *Manager, name string) int64 {
	t.Helper()
	s, ok := m.Peek(name)
	require.True(t, ok, "cell %s absent", name)
	n, ok := s.(int64)
	require.True(t, ok, "cell %s holds %T", name, s)
	return n
}

type countingRecorder struct {
	starts    atomic.Int64
	attempts  atomic.Int64
	conflicts atomic.Int64
	commits   atomic.Int64
	failures  atomic.Int64
	aborts    atomic.Int64
	cells     atomic.Int64
}

func (r *countingRecorder) RecordStart()                    { r.starts.Inc() }
func (r *countingRecorder) RecordAttempt()                  { r.attempts.Inc() }
func (r *countingRecorder) RecordConflict()                 { r.conflicts.Inc() }
func (r *countingRecorder) RecordCommit(int, time.Duration) { r.commits.Inc() }
func (r *countingRecorder) RecordFailure()                  { r.failures.Inc() }
func (r *countingRecorder) RecordAbort()                    { r.aborts.Inc() }
func (r *countingRecorder) SetCells(n int)                  { r.cells.Store(int64(n)) }

type memoryJournal struct {
	mu     sync.Mutex
	events []types.TxEvent
}

func (j *memoryJournal) Append(e types.TxEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

// typesFor returns the event types logged for one transaction description.
func (j *memoryJournal) typesFor(desc string) []types.EventType {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.EventType
	for _, e := range j.events {
		if e.Description == desc {
			out = append(out, e.Type)
		}
	}
	return out
}
