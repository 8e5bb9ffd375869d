package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-stm/pkg/stm"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Engine struct {
		Backoff         time.Duration `yaml:"backoff"`
		BackoffStrategy string        `yaml:"backoff_strategy"` // constant | exponential
		MaxBackoff      time.Duration `yaml:"max_backoff"`
		MaxAttempts     int           `yaml:"max_attempts"` // 0 = unlimited
		Workers         int           `yaml:"workers"`      // 0 = one goroutine per transaction
	} `yaml:"engine"`

	Bank struct {
		Accounts       map[string]int64 `yaml:"accounts"`
		Transfers      int              `yaml:"transfers"`
		MaxAmount      int64            `yaml:"max_amount"`
		AllowOverdraft bool             `yaml:"allow_overdraft"`
		Seed           int64            `yaml:"seed"` // 0 = time based
	} `yaml:"bank"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Journal struct {
		Enabled         bool   `yaml:"enabled"`
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
		Sync            bool   `yaml:"sync"`
		RotateOnStart   bool   `yaml:"rotate_on_start"`
	} `yaml:"journal"`

	Snapshot struct {
		Enabled     bool   `yaml:"enabled"`
		Path        string `yaml:"path"`
		KeepBackups int    `yaml:"keep_backups"`
	} `yaml:"snapshot"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`
}

// defaultConfig 在沒有設定檔時使用
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Engine.Backoff = 5 * time.Millisecond
	cfg.Engine.BackoffStrategy = stm.StrategyExponential
	cfg.Engine.MaxBackoff = 50 * time.Millisecond
	cfg.Bank.Transfers = 50
	cfg.Bank.MaxAmount = 200
	cfg.Metrics.Port = 9090
	cfg.Journal.Path = "./data/stm.journal"
	cfg.Snapshot.Path = "./data/registry.json"
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig 讀取 YAML 設定檔，未填欄位保留預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// yaml.v3 會合併進既有 map，預設帳戶只能在解析後補上
	if len(cfg.Bank.Accounts) == 0 {
		cfg.Bank.Accounts = map[string]int64{"A": 500, "B": 1500}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.BackoffStrategy {
	case stm.StrategyConstant, stm.StrategyExponential:
	default:
		return fmt.Errorf("invalid engine.backoff_strategy %q", c.Engine.BackoffStrategy)
	}
	if c.Engine.MaxAttempts < 0 || c.Engine.Workers < 0 {
		return fmt.Errorf("engine.max_attempts and engine.workers must not be negative")
	}
	if c.Bank.Transfers < 0 {
		return fmt.Errorf("bank.transfers must not be negative")
	}
	if len(c.Bank.Accounts) < 2 {
		return fmt.Errorf("bank.accounts needs at least two accounts")
	}
	if c.Bank.MaxAmount <= 0 {
		return fmt.Errorf("bank.max_amount must be positive")
	}
	return nil
}

// engineConfig 轉換為 stm.Config（Recorder / Journal 由呼叫端注入）
func (c *Config) engineConfig(logger *slog.Logger) stm.Config {
	return stm.Config{
		Backoff:         c.Engine.Backoff,
		BackoffStrategy: c.Engine.BackoffStrategy,
		MaxBackoff:      c.Engine.MaxBackoff,
		MaxAttempts:     c.Engine.MaxAttempts,
		Workers:         c.Engine.Workers,
		Logger:          logger,
	}
}

func (c *Config) logLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
