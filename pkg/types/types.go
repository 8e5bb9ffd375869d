// Package types 定義了 beaver-stm 系統中跨套件共用、可序列化的領域模型
package types

// TxStatus 交易狀態
type TxStatus string

// 定義交易狀態常數
const (
	StatusRunning   TxStatus = "running"   // 執行中：正在執行 operation list
	StatusRetrying  TxStatus = "retrying"  // 重試中：驗證衝突，已回滾，等待 backoff
	StatusCommitted TxStatus = "committed" // 已提交：驗證成功（終態）
	StatusFailed    TxStatus = "failed"    // 已失敗：operation 回報 FAIL（終態，不重試）
	StatusAborted   TxStatus = "aborted"   // 已放棄：超過重試上限或 context 取消（終態）
)

// Terminal 是否為終態
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// EventType 交易日誌事件類型
type EventType string

const (
	EventBegin    EventType = "BEGIN"    // 一次嘗試開始
	EventConflict EventType = "CONFLICT" // 驗證或寫入宣告衝突
	EventRollback EventType = "ROLLBACK" // 已回滾
	EventCommit   EventType = "COMMIT"   // 已提交
	EventFail     EventType = "FAIL"     // operation 失敗
	EventAbort    EventType = "ABORT"    // 放棄
)

// TxEvent 代表交易生命週期中的一筆日誌紀錄
type TxEvent struct {
	Seq         uint64    `json:"seq"`                   // 事件序號（由 journal 指派，單調遞增）
	Type        EventType `json:"type"`                  // 事件類型
	Version     uint64    `json:"version"`               // 交易版本號
	Description string    `json:"description,omitempty"` // 交易描述
	Attempt     int       `json:"attempt"`               // 第幾次嘗試（從 1 開始）
	Cells       []string  `json:"cells,omitempty"`       // 相關 cell（衝突 cell 或 write-set）
	Reason      string    `json:"reason,omitempty"`      // 衝突或失敗原因
	Timestamp   int64     `json:"timestamp"`             // Unix 毫秒時間戳
	Checksum    uint32    `json:"checksum"`              // CRC32 校驗和
}

// CellRecord 是單一 cell 在某一時刻的診斷快照
type CellRecord struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Value      any            `json:"value,omitempty"`
	Present    bool           `json:"present"`         // false 表示尚未寫入任何 payload
	Owner      *uint64        `json:"owner,omitempty"` // 目前宣告擁有權的交易版本號
}

// SnapshotSchemaVersion 目前的快照資料結構版本
const SnapshotSchemaVersion = 1

// SnapshotData registry 的診斷快照（不用於崩潰恢復）
type SnapshotData struct {
	Cells     map[string]CellRecord `json:"cells"`
	Version   uint64                `json:"version"`    // 快照當下的全域交易版本計數
	SchemaVer int                   `json:"schema_ver"` // 資料結構版本號
	TakenAt   int64                 `json:"taken_at"`   // Unix 毫秒
}
