package stm

import (
	"maps"
	"slices"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

// record is the per-transaction metadata. The sets and backups belong to the
// goroutine running the transaction; completed, status and attempts are
// atomics so other goroutines (claimants, observers) can read them.
type record struct {
	version     uint64
	description string

	completed *atomic.Bool
	status    *atomic.String
	attempts  *atomic.Int64

	// per attempt
	readSet  map[string]struct{}
	writeSet map[string]struct{}
	backups  map[string]State // first-touch snapshot, nil value = absent
	conflict error            // first write-claim conflict seen in this attempt
}

func newRecord(version uint64, description string) *record {
	r := &record{
		version:     version,
		description: description,
		completed:   atomic.NewBool(false),
		status:      atomic.NewString(string(types.StatusRunning)),
		attempts:    atomic.NewInt64(0),
	}
	r.reset()
	return r
}

// reset discards the bookkeeping of the previous attempt.
func (r *record) reset() {
	r.readSet = make(map[string]struct{})
	r.writeSet = make(map[string]struct{})
	r.backups = make(map[string]State)
	r.conflict = nil
}

// beginAttempt starts a fresh attempt and returns its 1-based number.
func (r *record) beginAttempt() int {
	r.reset()
	r.setStatus(types.StatusRunning)
	return int(r.attempts.Inc())
}

// capture stores the first-touch snapshot of name. Later touches are ignored.
func (r *record) capture(name string, load func() State) (State, bool) {
	if s, ok := r.backups[name]; ok {
		return s, false
	}
	s := load()
	r.backups[name] = s
	return s, true
}

func (r *record) backup(name string) (State, bool) {
	s, ok := r.backups[name]
	return s, ok
}

func (r *record) addRead(name string)  { r.readSet[name] = struct{}{} }
func (r *record) addWrite(name string) { r.writeSet[name] = struct{}{} }

func (r *record) writes(name string) bool {
	_, ok := r.writeSet[name]
	return ok
}

func (r *record) noteConflict(err error) {
	if r.conflict == nil {
		r.conflict = err
	}
}

func (r *record) setStatus(s types.TxStatus) { r.status.Store(string(s)) }

func (r *record) currentStatus() types.TxStatus { return types.TxStatus(r.status.Load()) }

func (r *record) isCompleted() bool { return r.completed.Load() }

func (r *record) complete(s types.TxStatus) {
	r.setStatus(s)
	r.completed.Store(true)
}

func sortedNames(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}

// RecordView is a read-only copy of a transaction record.
type RecordView struct {
	Version     uint64
	Description string
	Completed   bool
	Status      types.TxStatus
	Attempts    int
	ReadSet     []string
	WriteSet    []string
}
