package cli

// ============================================================================
// 銀行轉帳模擬
// 流程：
//   1. 依設定建立引擎（可選 metrics collector 與 journal）
//   2. 開立帳戶（setup 交易）
//   3. 產生 N 筆隨機轉帳，全部啟動後在 latch 上等待
//   4. 以唯讀交易讀出最終餘額，檢查總和是否守恆
//   5. 可選：寫出 registry dump
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-stm/internal/bank"
	"github.com/ChuLiYu/beaver-stm/internal/metrics"
	"github.com/ChuLiYu/beaver-stm/internal/snapshot"
	"github.com/ChuLiYu/beaver-stm/internal/storage/journal"
	"github.com/ChuLiYu/beaver-stm/pkg/stm"
	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// Report 模擬結果
type Report struct {
	Transfers   int
	Committed   int
	Failed      int
	Aborted     int
	Attempts    int // 所有轉帳的嘗試次數總和
	Initial     map[string]int64
	Final       map[string]int64
	TotalBefore int64
	TotalAfter  int64
	Elapsed     time.Duration
	JournalPath string
	DumpPath    string
}

// Conserved 餘額總和是否守恆
func (r *Report) Conserved() bool {
	return r.TotalBefore == r.TotalAfter
}

// simulate 執行一次完整的轉帳模擬
func simulate(ctx context.Context, cfg *Config, logger *slog.Logger, collector *metrics.Collector) (*Report, error) {
	engineCfg := cfg.engineConfig(logger)
	if collector != nil {
		engineCfg.Recorder = collector
	}

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		if err := ensureDir(cfg.Journal.Path); err != nil {
			return nil, err
		}
		var err error
		jnl, err = journal.Open(cfg.Journal.Path, journal.Options{
			SyncOnAppend:  cfg.Journal.Sync,
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: time.Duration(cfg.Journal.FlushIntervalMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := jnl.Close(); err != nil {
				logger.Error("Failed to close journal", "error", err)
			}
		}()
		if cfg.Journal.RotateOnStart && jnl.LastSeq() > 0 {
			backup, err := jnl.Rotate()
			if err != nil {
				return nil, fmt.Errorf("failed to rotate journal: %w", err)
			}
			logger.Info("Journal rotated", "backup", backup)
		}
		engineCfg.Journal = jnl
	}

	mgr, err := stm.NewManager(engineCfg)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	b := bank.New(mgr, bank.Options{AllowOverdraft: cfg.Bank.AllowOverdraft, Logger: logger})
	if err := b.Open(ctx, cfg.Bank.Accounts); err != nil {
		return nil, err
	}

	report := &Report{Transfers: cfg.Bank.Transfers}
	if report.Initial, err = b.Balances(ctx); err != nil {
		return nil, err
	}
	report.TotalBefore = sum(report.Initial)

	seed := cfg.Bank.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	names := b.Accounts()

	txs := make([]*stm.Transaction, 0, cfg.Bank.Transfers)
	for i := 0; i < cfg.Bank.Transfers; i++ {
		from := names[rng.Intn(len(names))]
		to := names[(indexOf(names, from)+1+rng.Intn(len(names)-1))%len(names)]
		amount := 1 + rng.Int63n(cfg.Bank.MaxAmount)
		txs = append(txs, b.Transfer(from, to, amount))
	}

	logger.Info("Starting transfers", "transfers", len(txs), "seed", seed)
	start := time.Now()

	var latch sync.WaitGroup
	latch.Add(len(txs))
	for _, tx := range txs {
		tx.Start(ctx, &latch)
	}
	latch.Wait()
	report.Elapsed = time.Since(start)

	for _, tx := range txs {
		r := tx.Wait()
		report.Attempts += r.Attempts
		switch r.Status {
		case types.StatusCommitted:
			report.Committed++
		case types.StatusFailed:
			report.Failed++
		case types.StatusAborted:
			report.Aborted++
		}
	}

	// 取消後仍要讀出最終狀態
	if report.Final, err = b.Balances(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	report.TotalAfter = sum(report.Final)

	if jnl != nil {
		if err := jnl.Flush(); err != nil {
			logger.Error("Failed to flush journal", "error", err)
		}
		report.JournalPath = jnl.Path()
	}

	if cfg.Snapshot.Enabled {
		if err := ensureDir(cfg.Snapshot.Path); err != nil {
			return nil, err
		}
		sm := snapshot.NewManager(cfg.Snapshot.Path)
		if err := sm.WriteWithBackup(mgr.Snapshot(), cfg.Snapshot.KeepBackups); err != nil {
			return nil, fmt.Errorf("failed to write registry dump: %w", err)
		}
		report.DumpPath = sm.GetPath()
	}

	return report, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

func sum(balances map[string]int64) int64 {
	var total int64
	for _, v := range balances {
		total += v
	}
	return total
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return 0
}
