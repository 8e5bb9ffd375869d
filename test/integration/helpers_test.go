package integration

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-stm/internal/bank"
	"github.com/ChuLiYu/beaver-stm/internal/storage/journal"
	"github.com/ChuLiYu/beaver-stm/pkg/stm"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// engine 一套完整的測試環境：manager + bank + journal
type engine struct {
	mgr     *stm.Manager
	bank    *bank.Bank
	journal *journal.Journal
}

func newEngine(t testing.TB, workers int, journalPath string) *engine {
	t.Helper()

	cfg := stm.Config{
		Backoff:         time.Millisecond,
		BackoffStrategy: stm.StrategyExponential,
		MaxBackoff:      20 * time.Millisecond,
		Workers:         workers,
		Logger:          quiet,
	}

	e := &engine{}
	if journalPath != "" {
		jnl, err := journal.Open(journalPath, journal.Options{BufferSize: 32})
		require.NoError(t, err)
		e.journal = jnl
		cfg.Journal = jnl
	}

	mgr, err := stm.NewManager(cfg)
	require.NoError(t, err)
	e.mgr = mgr
	e.bank = bank.New(mgr, bank.Options{Logger: quiet})
	return e
}

func (e *engine) close(t testing.TB) {
	e.mgr.Close()
	if e.journal != nil {
		require.NoError(t, e.journal.Close())
	}
}

// runTransfers 啟動 n 筆隨機轉帳並在 latch 上等待全部結束
func (e *engine) runTransfers(ctx context.Context, n int, seed int64) []stm.Result {
	rng := rand.New(rand.NewSource(seed))
	names := e.bank.Accounts()

	txs := make([]*stm.Transaction, n)
	for i := range txs {
		from := rng.Intn(len(names))
		to := (from + 1 + rng.Intn(len(names)-1)) % len(names)
		txs[i] = e.bank.Transfer(names[from], names[to], 1+rng.Int63n(150))
	}

	var latch sync.WaitGroup
	latch.Add(n)
	for _, tx := range txs {
		tx.Start(ctx, &latch)
	}
	latch.Wait()

	results := make([]stm.Result, n)
	for i, tx := range txs {
		results[i] = tx.Wait()
	}
	return results
}

func tempPath(t testing.TB, name string) string {
	return filepath.Join(t.TempDir(), name)
}
