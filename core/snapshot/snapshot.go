// Package snapshot implements the gateway's snapshot register: the
// single-writer, multi-reader store of the latest LiveData record, plus its
// two listener tables (spec.md §4.5).
package snapshot

import (
	"sync"

	"github.com/tinybms/gateway/core/errs"
	"github.com/tinybms/gateway/core/model"
)

// Kind distinguishes the two listener tables the source system exposed: a
// legacy flat-record listener and a shared-listener that receives the
// higher-level record. Both carry the same Go signature; they are kept as
// separate tables (and separate capacity limits) because the source
// notifies them independently and a shared-listener registration triggers
// an immediate replay that a legacy listener does not.
type Kind int

const (
	KindLegacy Kind = iota
	KindShared
)

// MaxListenersPerKind is the fixed capacity per listener kind (spec.md §4.5).
const MaxListenersPerKind = 4

// Listener receives a private clone of the published LiveData record. It
// must not retain the record's backing arrays beyond the call if it intends
// to mutate them; Clone() already gives it an independent copy, so this is
// only a note for register-slice aliasing, not a locking concern.
type Listener func(*model.LiveData)

// Register is the snapshot register: it owns the latest LiveData and the
// legacy/shared listener tables.
type Register struct {
	mu    sync.RWMutex
	valid bool
	latest *model.LiveData

	listeners map[Kind]map[any]Listener
	order     map[Kind][]any
}

// New creates an empty, invalid Register.
func New() *Register {
	return &Register{
		listeners: map[Kind]map[any]Listener{
			KindLegacy: make(map[any]Listener),
			KindShared: make(map[any]Listener),
		},
		order: map[Kind][]any{
			KindLegacy: nil,
			KindShared: nil,
		},
	}
}

// Publish replaces the latest LiveData and notifies every registered
// listener, legacy first then shared, each in registration-slot order
// (spec.md §4.5 "Ordering"). Listener tables are copied under the lock and
// callbacks run outside it, so a callback may register or unregister
// without deadlocking.
func (r *Register) Publish(ld *model.LiveData) {
	r.mu.Lock()
	r.latest = ld
	r.valid = true
	legacy := r.snapshotOrderLocked(KindLegacy)
	shared := r.snapshotOrderLocked(KindShared)
	r.mu.Unlock()

	for _, l := range legacy {
		l(ld.Clone())
	}
	for _, l := range shared {
		l(ld.Clone())
	}
}

func (r *Register) snapshotOrderLocked(kind Kind) []Listener {
	keys := r.order[kind]
	out := make([]Listener, 0, len(keys))
	for _, k := range keys {
		if l, ok := r.listeners[kind][k]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Latest returns an independent clone of the latest published record, and
// whether a record has ever been published.
func (r *Register) Latest() (*model.LiveData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid {
		return nil, false
	}
	return r.latest.Clone(), true
}

// Register adds a listener under the given kind, keyed by key. Re-registering
// an already-present key is idempotent: it succeeds without creating a
// second entry or re-ordering the existing one. Registering a KindShared
// listener for the first time invokes it immediately, outside the lock,
// with the latest snapshot if one exists — zero calls if none does.
func (r *Register) Register(kind Kind, key any, listener Listener) error {
	r.mu.Lock()
	if _, exists := r.listeners[kind][key]; exists {
		r.mu.Unlock()
		return nil
	}
	if len(r.listeners[kind]) >= MaxListenersPerKind {
		r.mu.Unlock()
		return errs.New(errs.NoMem, "listener table full")
	}
	r.listeners[kind][key] = listener
	r.order[kind] = append(r.order[kind], key)

	var immediate *model.LiveData
	if kind == KindShared && r.valid {
		immediate = r.latest.Clone()
	}
	r.mu.Unlock()

	if immediate != nil {
		listener(immediate)
	}
	return nil
}

// Unregister removes a listener. Unregistering a key that isn't present is
// a no-op.
func (r *Register) Unregister(kind Kind, key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[kind][key]; !ok {
		return
	}
	delete(r.listeners[kind], key)
	keys := r.order[kind]
	for i, k := range keys {
		if k == key {
			r.order[kind] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
}

// ListenerCount returns the number of registered listeners of kind.
func (r *Register) ListenerCount(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[kind])
}
