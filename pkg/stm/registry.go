// ============================================================================
// Beaver-STM Registry - 記憶體 cell 的共享狀態表
// ============================================================================
//
// Package: pkg/stm
// 文件: registry.go
// 功能: 保存所有 cell 的 identity、目前 payload 與擁有權，是唯一的共享可變狀態
//
// 資料結構:
//   cells  map[name]*Cell        - identity 表，建立時寫入一次
//   states map[name]State        - 目前 payload（單一真實來源）
//   owners map[name]*Transaction - 寫入宣告（advisory，不阻塞）
//
// 並發安全:
//   - 一把 sync.RWMutex 保護全部三張表（整張映射一把鎖，而非每個 cell 一把）
//   - 讀操作使用 RLock，寫操作使用 Lock
//   - 每個 primitive 只持有鎖完成單一 map 操作，不跨 operation 持有
//
// Primitives:
//   rawRead / rawWrite            - payload 表
//   getOwner / setOwner / releaseOwner - 擁有權表
//   claim                         - 寫入宣告：擁有權檢查 + 值比對 + setOwner，一次原子完成
//   verify                        - 提交驗證：整個 read-only 集合在同一瞬間比對
//
// ============================================================================

package stm

import (
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

type registry struct {
	mu     sync.RWMutex
	cells  map[string]*Cell
	states map[string]State
	owners map[string]*Transaction
	equal  func(a, b State) bool
}

func newRegistry(equal func(a, b State) bool) *registry {
	return &registry{
		cells:  make(map[string]*Cell),
		states: make(map[string]State),
		owners: make(map[string]*Transaction),
		equal:  equal,
	}
}

// define 註冊 identity；同名重複註冊會覆蓋 identity 參考
func (r *registry) define(c *Cell) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells[c.name] = c
	return len(r.cells)
}

func (r *registry) lookup(name string) (*Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[name]
	return c, ok
}

// rawRead 讀取目前 payload（共享鎖）
func (r *registry) rawRead(name string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[name]
	return s, ok
}

// rawWrite 寫入 payload（獨佔鎖）；nil 代表回到 absent
func (r *registry) rawWrite(name string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == nil {
		delete(r.states, name)
		return
	}
	r.states[name] = s
}

func (r *registry) getOwner(name string) (*Transaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.owners[name]
	return tx, ok
}

func (r *registry) setOwner(name string, tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[name] = tx
}

func (r *registry) releaseOwner(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, name)
}

// claim 宣告 tx 對 cell 的寫入擁有權
//
// 規則（在同一把獨佔鎖內完成）：
//  1. 已被其他未完成的交易擁有 -> ReasonOwned
//  2. checkExpect 為真（本次嘗試先前讀過此 cell）且目前值 != expect -> ReasonStale
//  3. 否則記錄擁有者並回傳目前值，作為 first-touch 備份
func (r *registry) claim(name string, tx *Transaction, expect State, checkExpect bool) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[name]; ok && owner != tx && !owner.rec.isCompleted() {
		return nil, &ConflictError{Cell: name, Reason: ReasonOwned, Owner: owner.rec.version}
	}

	current := r.states[name]
	if checkExpect && !r.same(current, expect) {
		return current, &ConflictError{Cell: name, Reason: ReasonStale}
	}

	r.owners[name] = tx
	return current, nil
}

// verify 在同一把共享鎖內檢查 read-only 成員：
//   - 被其他未完成的交易擁有 -> ReasonOwned（讀到的可能是未提交的值）
//   - 目前值 != 快照 -> ReasonStale
//
// 返回第一個衝突（依名稱排序）
func (r *registry) verify(names []string, tx *Transaction, snapshot func(string) State) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		if owner, ok := r.owners[name]; ok && owner != tx && !owner.rec.isCompleted() {
			return &ConflictError{Cell: name, Reason: ReasonOwned, Owner: owner.rec.version}
		}
		if !r.same(r.states[name], snapshot(name)) {
			return &ConflictError{Cell: name, Reason: ReasonStale}
		}
	}
	return nil
}

// same 比較兩個 payload；兩者皆 absent 視為相同
func (r *registry) same(a, b State) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return r.equal(a, b)
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cells)
}

// dump 產生診斷快照（深拷貝 identity 屬性，payload 為不可變參考）
func (r *registry) dump(version uint64) types.SnapshotData {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cells := make(map[string]types.CellRecord, len(r.cells))
	for name, c := range r.cells {
		rec := types.CellRecord{
			Name:       name,
			Properties: c.Properties(),
		}
		if s, ok := r.states[name]; ok {
			rec.Value = s
			rec.Present = true
		}
		if owner, ok := r.owners[name]; ok {
			v := owner.rec.version
			rec.Owner = &v
		}
		cells[name] = rec
	}

	return types.SnapshotData{
		Cells:     cells,
		Version:   version,
		SchemaVer: types.SnapshotSchemaVersion,
		TakenAt:   time.Now().UnixMilli(),
	}
}
