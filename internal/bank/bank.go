// ============================================================================
// Beaver-STM Bank - 示範領域：帳戶餘額
// ============================================================================
//
// Package: internal/bank
// 文件: bank.go
// 功能: 以交易記憶體實作帳戶存提款與轉帳，作為引擎的端到端示範與測試情境
//
// 模型:
//   每個帳戶是一個 cell，payload 為不可變的 Balance 值
//   Deposit / Withdraw 是 operation factory：讀取餘額、寫入新餘額
//   Transfer 把 Deposit 與 Withdraw 組成單一交易，兩邊一起提交或一起回滾
//   Balances 是唯讀交易，一次讀出一致的餘額快照
//
// 不變量:
//   無論多少轉帳並發執行，所有帳戶餘額的總和不變
//
// ============================================================================

package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-stm/pkg/stm"
)

var (
	// ErrInsufficientFunds 提款後餘額為負且不允許透支
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidAmount 金額必須為正
	ErrInvalidAmount = errors.New("bank: amount must be positive")
	// ErrNotCommitted 交易未提交（失敗或放棄）
	ErrNotCommitted = errors.New("bank: transaction did not commit")
)

// Balance 帳戶餘額（cell payload，不可變）
type Balance struct {
	Amount int64 `json:"amount"`
}

// Options Bank 配置
type Options struct {
	AllowOverdraft bool // 允許餘額為負
	Logger         *slog.Logger
}

// Bank 在一個 stm.Manager 上操作帳戶
type Bank struct {
	mgr            *stm.Manager
	allowOverdraft bool
	log            *slog.Logger

	mu       sync.Mutex
	accounts []string
}

// New 建立 Bank
func New(mgr *stm.Manager, opts Options) *Bank {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bank{
		mgr:            mgr,
		allowOverdraft: opts.AllowOverdraft,
		log:            log.With("component", "bank"),
	}
}

// Open 建立帳戶 cell，並以一個 setup 交易寫入初始餘額
func (b *Bank) Open(ctx context.Context, balances map[string]int64) error {
	names := make([]string, 0, len(balances))
	for name := range balances {
		names = append(names, name)
	}
	sort.Strings(names)

	builder := b.mgr.Begin("open accounts")
	for _, name := range names {
		if _, err := b.mgr.CreateCell(name, map[string]any{"kind": "account"}); err != nil {
			builder.Build()
			return fmt.Errorf("open %q: %w", name, err)
		}
		builder.Op(b.set(name, balances[name]))
	}

	r := builder.Build().Execute(ctx)
	if !r.Committed() {
		return fmt.Errorf("%w: open accounts: %s: %v", ErrNotCommitted, r.Status, r.Err)
	}

	b.mu.Lock()
	b.accounts = mergeNames(b.accounts, names)
	b.mu.Unlock()
	b.log.Info("Accounts opened", "accounts", len(names))
	return nil
}

// Accounts 回傳已開立的帳戶名稱（排序）
func (b *Bank) Accounts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.accounts...)
}

// Deposit 回傳存款 operation；不存在的帳戶視為餘額 0
func (b *Bank) Deposit(account string, amount int64) stm.Operation {
	return func(ctx context.Context) stm.Outcome {
		if amount <= 0 {
			b.log.Error("Deposit rejected", "account", account, "error", ErrInvalidAmount)
			return stm.Fail
		}
		current, err := b.balance(ctx, account)
		if err != nil {
			return stm.Fail
		}
		if err := b.mgr.Write(ctx, account, Balance{Amount: current + amount}); err != nil {
			return stm.Fail
		}
		b.log.Debug("Deposited", "account", account, "amount", amount, "balance", current+amount)
		return stm.Done
	}
}

// Withdraw 回傳提款 operation；不允許透支時餘額不足會回報 Fail
func (b *Bank) Withdraw(account string, amount int64) stm.Operation {
	return func(ctx context.Context) stm.Outcome {
		if amount <= 0 {
			b.log.Error("Withdraw rejected", "account", account, "error", ErrInvalidAmount)
			return stm.Fail
		}
		current, err := b.balance(ctx, account)
		if err != nil {
			return stm.Fail
		}
		next := current - amount
		if next < 0 && !b.allowOverdraft {
			b.log.Debug("Withdraw rejected", "account", account, "amount", amount,
				"balance", current, "error", ErrInsufficientFunds)
			return stm.Fail
		}
		if err := b.mgr.Write(ctx, account, Balance{Amount: next}); err != nil {
			return stm.Fail
		}
		b.log.Debug("Withdrew", "account", account, "amount", amount, "balance", next)
		return stm.Done
	}
}

// Transfer 建立轉帳交易（先存入 to，再從 from 提出），尚未執行
func (b *Bank) Transfer(from, to string, amount int64) *stm.Transaction {
	return b.mgr.Begin(fmt.Sprintf("transfer %s->%s %d", from, to, amount)).
		Op(b.Deposit(to, amount)).
		Op(b.Withdraw(from, amount)).
		Build()
}

// Balances 以唯讀交易讀取一致的餘額快照
func (b *Bank) Balances(ctx context.Context, accounts ...string) (map[string]int64, error) {
	if len(accounts) == 0 {
		accounts = b.Accounts()
	}

	var out map[string]int64
	tx := b.mgr.Begin("balances").Op(func(ctx context.Context) stm.Outcome {
		// 每次嘗試重新收集，重試時丟棄上一次的結果
		out = make(map[string]int64, len(accounts))
		for _, name := range accounts {
			v, err := b.balance(ctx, name)
			if err != nil {
				return stm.Fail
			}
			out[name] = v
		}
		return stm.Done
	}).Build()

	r := tx.Execute(ctx)
	if !r.Committed() {
		return nil, fmt.Errorf("%w: balances: %s: %v", ErrNotCommitted, r.Status, r.Err)
	}
	return out, nil
}

// Total 回傳所有帳戶餘額總和（一致快照）
func (b *Bank) Total(ctx context.Context) (int64, error) {
	balances, err := b.Balances(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, v := range balances {
		sum += v
	}
	return sum, nil
}

// balance 在交易內讀取帳戶餘額，absent 視為 0
func (b *Bank) balance(ctx context.Context, account string) (int64, error) {
	s, ok, err := b.mgr.Read(ctx, account)
	if err != nil {
		b.log.Error("Read failed", "account", account, "error", err)
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	bal, isBalance := s.(Balance)
	if !isBalance {
		return 0, fmt.Errorf("bank: cell %q holds %T, not Balance", account, s)
	}
	return bal.Amount, nil
}

func (b *Bank) set(account string, amount int64) stm.Operation {
	return func(ctx context.Context) stm.Outcome {
		if err := b.mgr.Write(ctx, account, Balance{Amount: amount}); err != nil {
			return stm.Fail
		}
		return stm.Done
	}
}

func mergeNames(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, n := range append(existing, added...) {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
