// ============================================================================
// Beaver-STM Manager - 交易協調器
// ============================================================================
//
// Package: pkg/stm
// 文件: manager.go
// 功能: 建立 cell、提供交易內的讀寫 primitive、以及 fluent 交易建構 API
//
// 資料流:
//   CreateCell ──> registry.define
//   Begin(desc) ──> 蓋上版本號、建立 Transaction、放入 ambient（建構中）
//     .Op(op)   ──> 追加 operation
//     .Build()  ──> 取出 Transaction，結束建構 session
//   tx.Execute ──> 排程執行 operation list
//     Read/Write(ctx, ...) ──> 從 ctx 取得交易，擴充 read-set / write-set，
//                               first touch 時擷取備份
//
// 並發安全:
//   - 共享狀態只透過 registry 的 primitive 存取（一把 RWMutex）
//   - 交易的 read-set / write-set / 備份只屬於執行它的 goroutine
//   - 同一時間只有一個交易在建構中（Begin 到 Build 之間持有 building 鎖）
//
// ============================================================================

package stm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-stm/internal/worker"
	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// Manager owns a registry of cells and builds transactions against it.
type Manager struct {
	cfg       Config
	registry  *registry
	ambient   *ambient
	scheduler Scheduler
	pool      *worker.Pool
	recorder  Recorder
	journal   Journal
	log       *slog.Logger
}

// NewManager 建立新的 Manager 實例
//
// 參數：
//   - cfg: 引擎配置，零值欄位使用預設值
//
// 返回值：
//   - *Manager: Manager 實例
//   - error: worker pool 啟動失敗
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:      cfg,
		registry: newRegistry(cfg.Equal),
		ambient:  newAmbient(),
		recorder: cfg.Recorder,
		journal:  cfg.Journal,
		log:      cfg.Logger.With("component", "stm"),
	}
	if m.recorder == nil {
		m.recorder = noopRecorder{}
	}

	switch {
	case cfg.Scheduler != nil:
		m.scheduler = cfg.Scheduler
	case cfg.Workers > 0:
		m.pool = worker.NewPool(cfg.Workers)
		if err := m.pool.Start(cfg.Workers); err != nil {
			return nil, fmt.Errorf("failed to start worker pool: %w", err)
		}
		m.scheduler = poolScheduler{pool: m.pool}
	default:
		m.scheduler = goroutineScheduler{}
	}

	m.log.Info("Manager created",
		"backoff", cfg.Backoff,
		"strategy", cfg.BackoffStrategy,
		"max_attempts", cfg.MaxAttempts,
		"workers", cfg.Workers)
	return m, nil
}

// Close stops the worker pool, waiting for running transactions.
func (m *Manager) Close() {
	if m.pool != nil {
		m.pool.Stop()
	}
}

// CreateCell registers a cell. Re-registering a name replaces its identity.
func (m *Manager) CreateCell(name string, props map[string]any) (*Cell, error) {
	c, err := newCell(name, props)
	if err != nil {
		return nil, err
	}
	n := m.registry.define(c)
	m.recorder.SetCells(n)
	m.log.Debug("Cell created", "cell", name)
	return c, nil
}

// Cell looks up a registered cell identity.
func (m *Manager) Cell(name string) (*Cell, bool) {
	return m.registry.lookup(name)
}

// Peek reads the live payload outside any transaction (diagnostics only).
func (m *Manager) Peek(name string) (State, bool) {
	return m.registry.rawRead(name)
}

// Len returns the number of registered cells.
func (m *Manager) Len() int {
	return m.registry.size()
}

// Version returns the next version the ambient counter will stamp.
func (m *Manager) Version() uint64 {
	return m.ambient.version.Load()
}

// Snapshot dumps the registry for diagnostics.
func (m *Manager) Snapshot() types.SnapshotData {
	return m.registry.dump(m.Version())
}

// Read returns the live payload of name inside the transaction carried by
// ctx. The first touch of name in an attempt captures its snapshot.
func (m *Manager) Read(ctx context.Context, name string) (State, bool, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return nil, false, fmt.Errorf("read %q: %w", name, ErrNoTransaction)
	}

	s, first := tx.rec.capture(name, func() State {
		s, _ := m.registry.rawRead(name)
		return s
	})
	tx.rec.addRead(name)
	if !first {
		s, _ = m.registry.rawRead(name)
	}
	return s, s != nil, nil
}

// Write replaces the payload of name inside the transaction carried by ctx.
// The write is visible immediately. The cell is claimed for the transaction;
// if another live transaction holds it, or the value changed since this
// attempt read it, Write returns a *ConflictError and the attempt is retried
// no matter what the operation returns.
func (m *Manager) Write(ctx context.Context, name string, s State) error {
	tx, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("write %q: %w", name, ErrNoTransaction)
	}
	rec := tx.rec

	if !rec.writes(name) {
		prev, read := rec.backup(name)
		current, err := m.registry.claim(name, tx, prev, read)
		if err != nil {
			rec.noteConflict(err)
			tx.log.Debug("Write claim rejected", "cell", name, "error", err)
			return fmt.Errorf("write %q: %w", name, err)
		}
		if !read {
			rec.capture(name, func() State { return current })
		}
		rec.addWrite(name)
	}

	m.registry.rawWrite(name, s)
	return nil
}

// Current returns the transaction under construction, if any.
func (m *Manager) Current() (*Transaction, bool) {
	return m.ambient.currentTx()
}

// Begin opens a builder session. It blocks while another session is open.
func (m *Manager) Begin(description string) *Builder {
	m.ambient.building.Lock()
	tx := newTransaction(m, m.ambient.stamp(), description)
	m.ambient.install(tx)
	return &Builder{mgr: m, tx: tx}
}

// Builder assembles a transaction. Not safe for concurrent use.
type Builder struct {
	mgr   *Manager
	tx    *Transaction
	built bool
}

// Op appends an operation. Adding to a built transaction panics.
func (b *Builder) Op(op Operation) *Builder {
	if b.built {
		panic(ErrBuilderClosed)
	}
	b.tx.ops = append(b.tx.ops, op)
	return b
}

// Build ends the builder session and returns the transaction.
func (b *Builder) Build() *Transaction {
	if !b.built {
		b.built = true
		b.mgr.ambient.clear()
		b.mgr.ambient.building.Unlock()
	}
	return b.tx
}

type goroutineScheduler struct{}

func (goroutineScheduler) Schedule(_ string, run func()) error {
	go run()
	return nil
}

type poolScheduler struct {
	pool *worker.Pool
}

func (s poolScheduler) Schedule(name string, run func()) error {
	return s.pool.Submit(worker.Task{ID: name, Run: run})
}

type noopRecorder struct{}

func (noopRecorder) RecordStart()                    {}
func (noopRecorder) RecordAttempt()                  {}
func (noopRecorder) RecordConflict()                 {}
func (noopRecorder) RecordCommit(int, time.Duration) {}
func (noopRecorder) RecordFailure()                  {}
func (noopRecorder) RecordAbort()                    {}
func (noopRecorder) SetCells(int)                    {}
