package worker

import "time"

// Task 代表要執行的任務
type Task struct {
	ID  string // 任務識別碼（交易描述），僅用於日誌
	Run func() // 任務本體，由 Worker 同步執行到結束
}

// Stats 是 Pool 的執行統計快照
type Stats struct {
	Executed int64         // 已執行完成的任務數（含 panic）
	Panicked int64         // 執行時 panic 的任務數
	Busy     time.Duration // 所有任務累計執行時間
}
