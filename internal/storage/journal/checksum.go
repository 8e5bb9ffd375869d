package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 把 Checksum 欄位歸零後的整個事件序列化為 JSON
// - 使用 CRC32-IEEE 多項式計算
//
// 任何欄位（包含 Timestamp）被竄改都會被偵測到
func CalculateChecksum(event types.TxEvent) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		// TxEvent 只有基本型別欄位，Marshal 不會失敗
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證事件的校驗和
func VerifyChecksum(event types.TxEvent) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
