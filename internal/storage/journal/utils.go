package journal

// ============================================================================
// Journal 工具函式
// 職責：除錯與統計用的輔助功能
// ============================================================================

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// Stats journal 統計資訊
type Stats struct {
	TotalEvents  int                     // 總事件數
	EventTypes   map[types.EventType]int // 各類型事件計數
	Transactions int                     // 出現過的交易數（依版本號）
	FirstSeq     uint64                  // 第一個事件的 seq
	LastSeq      uint64                  // 最後一個事件的 seq
	TimeRange    [2]int64                // 時間範圍 [最早, 最晚]
}

// CollectStats 掃描整個 journal 並統計
func CollectStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[types.EventType]int)}
	versions := make(map[uint64]struct{})

	err := Replay(path, func(e types.TxEvent) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		versions[e.Version] = struct{}{}
		return nil
	})
	stats.Transactions = len(versions)
	return stats, err
}

// FormatEvent 以人類可讀格式輸出單一事件
//
//	[Seq:3] CONFLICT v2 "transfer A->B" attempt=1 cells=[B] at 2024-01-01T00:00:01.000Z (owned)
func FormatEvent(e types.TxEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Seq:%d] %-8s v%d %q attempt=%d", e.Seq, e.Type, e.Version, e.Description, e.Attempt)
	if len(e.Cells) > 0 {
		fmt.Fprintf(&b, " cells=[%s]", strings.Join(e.Cells, ","))
	}
	fmt.Fprintf(&b, " at %s", time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z"))
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	return b.String()
}

// Dump 輸出 journal 內容（人類可讀格式），遇到損壞時停止並回傳錯誤
func Dump(path string, w io.Writer) error {
	return Replay(path, func(e types.TxEvent) error {
		_, err := fmt.Fprintln(w, FormatEvent(e))
		return err
	})
}
