package stm

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

const (
	// DefaultBackoff is the pause between a failed validation and the next attempt.
	DefaultBackoff = time.Second

	// StrategyConstant sleeps the same interval before every retry.
	StrategyConstant = "constant"
	// StrategyExponential grows the interval with jitter up to MaxBackoff.
	StrategyExponential = "exponential"
)

// Recorder receives engine events for metrics. internal/metrics.Collector
// implements it.
type Recorder interface {
	RecordStart()   // a transaction started executing
	RecordAttempt() // an attempt began
	RecordConflict()
	RecordCommit(attempts int, latency time.Duration)
	RecordFailure()
	RecordAbort()
	SetCells(n int)
}

// Journal receives transaction lifecycle events.
// internal/storage/journal.Journal implements it.
type Journal interface {
	Append(event types.TxEvent) error
}

// Scheduler runs a transaction body as an independent unit of execution.
type Scheduler interface {
	Schedule(name string, run func()) error
}

// Config Manager 配置
type Config struct {
	Backoff         time.Duration         // 衝突後的等待時間
	BackoffStrategy string                // constant | exponential
	MaxBackoff      time.Duration         // exponential 的上限
	MaxAttempts     int                   // 0 = 無限重試
	Workers         int                   // >0 時使用 worker pool 排程交易
	Equal           func(a, b State) bool // payload 比較，預設 cmp.Equal
	Logger          *slog.Logger
	Recorder        Recorder
	Journal         Journal
	Scheduler       Scheduler // 自訂排程器，優先於 Workers
}

// DefaultConfig returns the base design: fixed one-second backoff, unlimited
// retries, one goroutine per transaction.
func DefaultConfig() Config {
	return Config{
		Backoff:         DefaultBackoff,
		BackoffStrategy: StrategyConstant,
	}
}

func (c Config) withDefaults() Config {
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.BackoffStrategy == "" {
		c.BackoffStrategy = StrategyConstant
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * c.Backoff
	}
	if c.Equal == nil {
		c.Equal = func(a, b State) bool { return cmp.Equal(a, b) }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// newBackOff builds the retry policy of one execution. Policies are stateful,
// so every transaction run gets its own.
func (c Config) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	switch c.BackoffStrategy {
	case StrategyExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.Backoff
		eb.MaxInterval = c.MaxBackoff
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	default:
		b = backoff.NewConstantBackOff(c.Backoff)
	}
	if c.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
	}
	return b
}
