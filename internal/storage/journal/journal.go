package journal

// ============================================================================
// Transaction Journal 核心實作
// 職責：
// 1. 追加交易生命週期事件到日誌檔案（append-only, JSON lines）
// 2. 指派單調遞增的 seq 並計算 CRC32 校驗和
// 3. 批次寫入：緩衝滿、超過 flush 間隔或明確 Flush 時才寫檔
// 4. 提供重放功能（驗證 checksum 與 seq 順序）
//
// journal 只用於稽核與除錯，不參與崩潰恢復：
// 交易引擎的共享狀態只存在記憶體中。
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

const (
	// DefaultBufferSize 預設批次大小
	DefaultBufferSize = 256
	// DefaultFlushInterval 預設最長 flush 間隔
	DefaultFlushInterval = time.Second
)

// FileInterface 定義 Journal 對底層檔案所需的方法
// 測試以會失敗的實作替換，覆蓋寫入與 fsync 的錯誤路徑
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options journal 配置
type Options struct {
	SyncOnAppend  bool          // 每次 flush 都 fsync
	BufferSize    int           // 緩衝事件數上限，1 表示每筆立即寫入
	FlushInterval time.Duration // 距離上次 flush 超過此時間即寫入
}

// Journal 表示一個交易事件日誌
type Journal struct {
	mu     sync.Mutex
	file   FileInterface
	path   string
	seq    uint64
	closed bool
	opts   Options

	buffer        []types.TxEvent
	lastFlushTime time.Time
}

// Handler is called for each replayed event, in file order.
type Handler func(event types.TxEvent) error

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描到最後一個有效事件並從它的 seq 繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	seq, valid, torn, err := lastSeq(path)
	switch {
	case err == nil:
	case torn:
		// 尾端是崩潰時寫了一半（沒有換行）的行：截掉，從最後一個有效事件繼續編號
		slog.Warn("Journal tail is torn, truncating after last valid event",
			"path", path, "seq", seq, "offset", valid, "error", err)
		if terr := file.Truncate(valid); terr != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn journal tail: %w", terr)
		}
	default:
		// 中段損壞不截斷，保留後面的事件讓人工處理
		file.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	return &Journal{
		file:          file,
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]types.TxEvent, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq 並覆寫 event.Seq
// - 計算 checksum
// - 放入緩衝，滿了或超過 flush 間隔才寫檔
func (j *Journal) Append(event types.TxEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	event.Seq = j.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)
	j.buffer = append(j.buffer, event)

	if len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 將緩衝事件寫入檔案
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Rotate 把目前檔案改名為帶時間戳的備份並開始新檔案，seq 歸零
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}

	j.file = newFile
	j.seq = 0
	j.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close 寫入剩餘事件並關閉檔案；關閉後的 Journal 不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// LastSeq 取得目前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳 journal 檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 重放
// ============================================================================

// Replay 從頭讀取 journal 並對每個事件呼叫 handler
//
// 驗證：
// - 每行必須是可解析的事件（否則 *CorruptionError）
// - checksum 必須正確（否則 *ChecksumError）
// - seq 必須嚴格遞增（否則 ErrOutOfOrder）
//
// 遇到錯誤立即停止
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var prev uint64
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event types.TxEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if event.Seq <= prev {
			return fmt.Errorf("%w: seq %d after %d at line %d", ErrOutOfOrder, event.Seq, prev, line)
		}
		prev = event.Seq

		if err := handler(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// ReadAll 重放整個 journal 並回傳所有事件
func ReadAll(path string) ([]types.TxEvent, error) {
	var events []types.TxEvent
	err := Replay(path, func(e types.TxEvent) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	for i, event := range j.buffer {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode journal event %d: %w", event.Seq, err)
		}
		if _, err := j.file.Write(append(line, '\n')); err != nil {
			// 已寫入的事件不再重送，其餘留在緩衝等下一次 flush
			j.buffer = append(j.buffer[:0], j.buffer[i:]...)
			return fmt.Errorf("write journal event %d: %w", event.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
	}
	return nil
}

// lastSeq 掃描檔案，回傳最後一個有效事件的 seq 與其行尾的 byte offset
//
// torn 為真表示錯誤只來自最後一行沒有換行結尾（寫到一半時崩潰），
// 截斷到 offset 是安全的。其他錯誤（中段損壞、讀取失敗）torn 為假。
func lastSeq(path string) (seq uint64, offset int64, torn bool, err error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, rerr := reader.ReadBytes('\n')
		if rerr == io.EOF {
			if len(raw) == 0 {
				return seq, offset, false, nil
			}
			return seq, offset, true, &CorruptionError{Line: line, Cause: io.ErrUnexpectedEOF}
		}
		if rerr != nil {
			return seq, offset, false, rerr
		}

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 {
			var event types.TxEvent
			if err := json.Unmarshal(trimmed, &event); err != nil {
				return seq, offset, false, &CorruptionError{Line: line, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				return seq, offset, false, err
			}
			if event.Seq <= seq {
				return seq, offset, false, fmt.Errorf("%w: seq %d after %d at line %d", ErrOutOfOrder, event.Seq, seq, line)
			}
			seq = event.Seq
		}
		offset += int64(len(raw))
	}
}
