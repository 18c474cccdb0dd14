package datapub

import (
	"context"
	"sync"
	"time"

	"Datapub-Apps/internal/slotstore"
)

// View is one consumer's read side of a store. It remembers the version of
// the last snapshot it returned so AwaitUpdate can report newer publishes.
type View struct {
	store *slotstore.Store

	mu   sync.Mutex
	seen uint64
}

func NewView(store *slotstore.Store) *View {
	return &View{store: store}
}

// Snapshot returns every producer's latest value, ordered by producer. It
// never waits on producers.
func (v *View) Snapshot() slotstore.Snapshot {
	snap := v.store.Snapshot()
	v.mu.Lock()
	if snap.Version > v.seen {
		v.seen = snap.Version
	}
	v.mu.Unlock()
	return snap
}

// Data returns the latest payloads in producer order.
func (v *View) Data() []Payload {
	return v.Snapshot().Values()
}

// AwaitUpdate blocks until something changed since the last Snapshot, the
// timeout elapses, or ctx is done. A timeout <= 0 waits on ctx alone.
func (v *View) AwaitUpdate(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v.mu.Lock()
	seen := v.seen
	v.mu.Unlock()
	_, ok := v.store.Wait(ctx, seen)
	return ok
}
