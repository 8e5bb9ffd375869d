package stm

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// ambient holds the process-wide transaction bookkeeping of one Manager: the
// monotonically increasing version counter and the transaction currently
// under construction. Only one builder session may be open at a time.
type ambient struct {
	version *atomic.Uint64

	building sync.Mutex // held from Begin until Build

	mu      sync.Mutex
	current *Transaction
}

func newAmbient() *ambient {
	return &ambient{version: atomic.NewUint64(0)}
}

// stamp returns the current version and advances the counter.
func (a *ambient) stamp() uint64 {
	return a.version.Inc() - 1
}

func (a *ambient) install(tx *Transaction) {
	a.mu.Lock()
	a.current = tx
	a.mu.Unlock()
}

func (a *ambient) clear() {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
}

func (a *ambient) currentTx() (*Transaction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != nil
}

type txKey struct{}

func withTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction an operation is running under.
func FromContext(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return tx, ok && tx != nil
}
