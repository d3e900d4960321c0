package persist

import (
	"sync"
	"testing"
	"time"

	"github.com/tinybms/gateway/core/clock"
	"github.com/tinybms/gateway/core/diag"
)

type fakeStore struct {
	mu    sync.Mutex
	saves int
	last  diag.Snapshot
}

func (f *fakeStore) Save(key string, snap diag.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.last = snap
	return nil
}

func (f *fakeStore) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func newTestManager(t *testing.T, store *fakeStore, now *time.Time) *FlushManager {
	t.Helper()
	r := diag.New(diag.Config{Clock: clock.New()})
	return NewFlushManager(FlushManagerConfig{
		Store: store,
		Ring:  r,
		NowFn: func() time.Time { return *now },
	})
}

// Testable Property #12: a burst of 9 appends triggers 0 saves, the 10th
// triggers exactly 1.
func TestFlushManager_ThresholdTriggersExactlyOneSave(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(0, 0)
	f := newTestManager(t, store, &now)

	for i := 0; i < FlushPendingThreshold-1; i++ {
		f.NotifyAppend()
	}
	if got := store.Saves(); got != 0 {
		t.Fatalf("after %d appends, Saves() = %d, want 0", FlushPendingThreshold-1, got)
	}
	if got := f.Pending(); got != FlushPendingThreshold-1 {
		t.Errorf("Pending() = %d, want %d", got, FlushPendingThreshold-1)
	}

	f.NotifyAppend()
	if got := store.Saves(); got != 1 {
		t.Fatalf("after %d-th append, Saves() = %d, want 1", FlushPendingThreshold, got)
	}
	if got := f.Pending(); got != 0 {
		t.Errorf("Pending() after flush = %d, want 0", got)
	}
}

// Testable Property #12: after 60s of idle with pending > 0, exactly 1 save
// occurs.
func TestFlushManager_IdleWindowTriggersExactlyOneSave(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(0, 0)
	f := newTestManager(t, store, &now)

	f.NotifyAppend()
	f.NotifyAppend()
	if got := store.Saves(); got != 0 {
		t.Fatalf("Saves() = %d, want 0 before idle window elapses", got)
	}

	f.checkIdle() // not yet idle
	if got := store.Saves(); got != 0 {
		t.Fatalf("Saves() = %d, want 0 before FlushIdleInterval elapses", got)
	}

	now = now.Add(FlushIdleInterval)
	f.checkIdle()
	if got := store.Saves(); got != 1 {
		t.Fatalf("Saves() = %d, want 1 after idle window with pending writes", got)
	}

	// A second idle check with nothing pending must not save again.
	now = now.Add(FlushIdleInterval)
	f.checkIdle()
	if got := store.Saves(); got != 1 {
		t.Fatalf("Saves() = %d, want 1 (idle check with no pending writes must not flush)", got)
	}
}

func TestFlushManager_StopPerformsFinalFlush(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(0, 0)
	f := newTestManager(t, store, &now)

	f.NotifyAppend()
	f.NotifyAppend()
	f.NotifyAppend()

	f.Start(t.Context())
	f.Stop()

	if got := store.Saves(); got != 1 {
		t.Fatalf("Saves() after Stop() = %d, want 1", got)
	}
	if got := f.Pending(); got != 0 {
		t.Errorf("Pending() after Stop() = %d, want 0", got)
	}
}

func TestFlushManager_StopWithNothingPendingDoesNotSave(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(0, 0)
	f := newTestManager(t, store, &now)

	f.Start(t.Context())
	f.Stop()

	if got := store.Saves(); got != 0 {
		t.Fatalf("Saves() after Stop() with nothing pending = %d, want 0", got)
	}
}
