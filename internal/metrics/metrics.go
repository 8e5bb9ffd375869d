// ============================================================================
// Beaver-STM Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集交易引擎的運行指標並以 Prometheus 格式暴露（實作 stm.Recorder）
//
// 指標分類:
//
//   1. 交易計數器 (Counter)：
//      - stm_transactions_started_total: 開始執行的交易數
//      - stm_attempts_total: 執行嘗試次數（含重試）
//      - stm_conflicts_total: 驗證或寫入宣告衝突數
//      - stm_transactions_committed_total / failed_total / aborted_total: 終態計數
//
//   2. 分佈 (Histogram)：
//      - stm_commit_attempts: 每筆提交交易用了幾次嘗試
//      - stm_commit_latency_seconds: 從開始執行到提交的時間
//
//   3. 狀態 (Gauge)：
//      - stm_cells: 已註冊的 cell 數量
//      - stm_transactions_in_flight: 尚未到達終態的交易數
//
// Prometheus 查詢示例:
//
//   # 衝突率
//   rate(stm_conflicts_total[1m]) / rate(stm_attempts_total[1m])
//
//   # 95 分位提交延遲
//   histogram_quantile(0.95, stm_commit_latency_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 交易計數
	started   prometheus.Counter
	attempts  prometheus.Counter
	conflicts prometheus.Counter
	committed prometheus.Counter
	failed    prometheus.Counter
	aborted   prometheus.Counter

	// 效能指標
	commitAttempts prometheus.Histogram
	commitLatency  prometheus.Histogram

	// 狀態指標
	cells    prometheus.Gauge
	inFlight prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stm_transactions_started_total",
			Help: "Total number of transactions that started executing",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stm_attempts_total",
			Help: "Total number of transaction attempts, retries included",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stm_conflicts_total",
			Help: "Total number of validation or write-claim conflicts",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stm_transactions_committed_total",
			Help: "Total number of committed transactions",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stm_transactions_failed_total",
			Help: "Total number of transactions whose operations reported failure",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stm_transactions_aborted_total",
			Help: "Total number of transactions aborted by the retry cap or cancellation",
		}),
		commitAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stm_commit_attempts",
			Help:    "Attempts needed by committed transactions",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stm_commit_latency_seconds",
			Help:    "Time from execution start to commit in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stm_cells",
			Help: "Number of registered memory cells",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stm_transactions_in_flight",
			Help: "Transactions executing or waiting to retry",
		}),
	}

	prometheus.MustRegister(
		c.started,
		c.attempts,
		c.conflicts,
		c.committed,
		c.failed,
		c.aborted,
		c.commitAttempts,
		c.commitLatency,
		c.cells,
		c.inFlight,
	)

	return c
}

// RecordStart 記錄交易開始執行
func (c *Collector) RecordStart() {
	c.started.Inc()
	c.inFlight.Inc()
}

// RecordAttempt 記錄一次嘗試
func (c *Collector) RecordAttempt() {
	c.attempts.Inc()
}

// RecordConflict 記錄衝突（之後會回滾並重試）
func (c *Collector) RecordConflict() {
	c.conflicts.Inc()
}

// RecordCommit 記錄提交
func (c *Collector) RecordCommit(attempts int, latency time.Duration) {
	c.committed.Inc()
	c.inFlight.Dec()
	c.commitAttempts.Observe(float64(attempts))
	c.commitLatency.Observe(latency.Seconds())
}

// RecordFailure 記錄 operation 失敗
func (c *Collector) RecordFailure() {
	c.failed.Inc()
	c.inFlight.Dec()
}

// RecordAbort 記錄放棄
func (c *Collector) RecordAbort() {
	c.aborted.Inc()
	c.inFlight.Dec()
}

// SetCells 設置已註冊 cell 數量
func (c *Collector) SetCells(n int) {
	c.cells.Set(float64(n))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
