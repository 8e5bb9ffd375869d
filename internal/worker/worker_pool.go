// ============================================================================
// Beaver-STM Worker Pool - 交易排程器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 Worker goroutine，讓交易在有上限的並發度下執行
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 每個任務是一個交易的完整執行（包含所有重試與 backoff）
//
// 架構組件:
//   ┌─────────────┐
//   │ stm.Manager │ --Submit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh（緩衝滿時阻塞）
//   4. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 注意:
//   交易在 Worker 內 sleep backoff 時會佔住該 Worker。互相等待的交易
//   （例如測試裡以 channel 協調的交易）需要至少同樣數量的 Worker。
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type counters struct {
	executed *atomic.Int64
	panicked *atomic.Int64
	busy     *atomic.Int64 // nanoseconds
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers []*Worker      // Worker 列表
	taskCh  chan Task      // 任務通道，用於分發任務給 Worker
	stopCh  chan struct{}  // 停止訊號
	wg      sync.WaitGroup // 等待所有 Worker 完成
	submits sync.WaitGroup // 等待 in-flight 的 Submit
	stats   *counters
	log     *slog.Logger
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
		stats: &counters{
			executed: atomic.NewInt64(0),
			panicked: atomic.NewInt64(0),
			busy:     atomic.NewInt64(0),
		},
		log: slog.Default().With("component", "worker-pool"),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.stats, p.log)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	p.log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 返回值：
//   - error: 如果 Pool 未啟動或已關閉則返回錯誤
//
// Stop() 會先關閉 stopCh，並等待所有 in-flight 的 Submit 結束才關閉 taskCh，
// 因此不會向已關閉的 taskCh 發送。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.submits.Add(1)
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()
	defer p.submits.Done()

	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，讓阻塞中的 Submit 返回
//  3. 等待 in-flight 的 Submit 結束後關閉 taskCh
//  4. 等待所有 Worker 完成當前任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.submits.Wait()
	close(p.taskCh)

	p.wg.Wait()
	p.log.Debug("Worker pool stopped", "executed", p.stats.executed.Load())
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats 返回執行統計
func (p *Pool) Stats() Stats {
	return Stats{
		Executed: p.stats.executed.Load(),
		Panicked: p.stats.panicked.Load(),
		Busy:     time.Duration(p.stats.busy.Load()),
	}
}
