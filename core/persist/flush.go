package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinybms/gateway/core/diag"
)

// FlushPendingThreshold and FlushIdleInterval are the batching thresholds
// spec.md §4.8 names: "pending ≥ 10, or ≥ 60s since last flush and
// pending > 0".
const (
	FlushPendingThreshold = 10
	FlushIdleInterval     = 60 * time.Second
	checkInterval         = time.Second
)

// SnapshotStore is the subset of *Store the flush manager needs, so tests
// can substitute a fake and assert on save counts without touching bbolt.
type SnapshotStore interface {
	Save(key string, snap diag.Snapshot) error
}

// FlushManagerConfig configures a FlushManager.
type FlushManagerConfig struct {
	// Store persists the ring snapshot. Required.
	Store SnapshotStore

	// Ring is the diagnostic ring being persisted. Required.
	Ring *diag.Ring

	// Key is the namespace key the snapshot is saved under.
	// Default: SnapshotKey.
	Key string

	// NowFn allows overriding time.Now for deterministic tests.
	NowFn func() time.Time

	Logger *slog.Logger
}

// FlushManager batches diagnostic ring writes so a busy stream of Append
// calls does not hit non-volatile storage on every entry (spec.md §4.8:
// "records pending writes; flushes when either pending ≥ 10, or ≥ 60s
// since last flush and pending > 0").
type FlushManager struct {
	cfg   FlushManagerConfig
	log   *slog.Logger
	nowFn func() time.Time

	mu        sync.Mutex
	pending   int
	lastFlush time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlushManager creates a FlushManager. It does not load or save
// anything until NotifyAppend, Start, or Stop is called.
func NewFlushManager(cfg FlushManagerConfig) *FlushManager {
	if cfg.Key == "" {
		cfg.Key = SnapshotKey
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FlushManager{
		cfg:       cfg,
		log:       logger.WithGroup("persist"),
		nowFn:     cfg.NowFn,
		lastFlush: cfg.NowFn(),
	}
}

// NotifyAppend records one pending diagnostic write. Call it once per
// successful diag.Ring.Append; it flushes immediately once the pending
// count reaches FlushPendingThreshold.
func (f *FlushManager) NotifyAppend() {
	f.mu.Lock()
	f.pending++
	reachedThreshold := f.pending >= FlushPendingThreshold
	f.mu.Unlock()

	if reachedThreshold {
		f.flush()
	}
}

// Pending returns the number of appends recorded since the last flush.
func (f *FlushManager) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *FlushManager) flush() {
	f.mu.Lock()
	if f.pending == 0 {
		f.mu.Unlock()
		return
	}
	f.pending = 0
	f.lastFlush = f.nowFn()
	f.mu.Unlock()

	snap := f.cfg.Ring.ToSnapshot(f.nowFn())
	if err := f.cfg.Store.Save(f.cfg.Key, snap); err != nil {
		f.log.Error("diagnostic snapshot flush failed", "error", err)
	}
}

// checkIdle flushes if the idle window has elapsed with writes still
// pending. Separated from the ticker loop so tests can drive it directly
// with a fake clock instead of waiting a real 60 seconds.
func (f *FlushManager) checkIdle() {
	f.mu.Lock()
	idle := f.nowFn().Sub(f.lastFlush) >= FlushIdleInterval && f.pending > 0
	f.mu.Unlock()
	if idle {
		f.flush()
	}
}

// Start begins the idle-flush monitor.
func (f *FlushManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop halts the idle-flush monitor and performs one final flush of any
// remaining pending writes (spec.md §4.8: "on destruction, one final
// flush").
func (f *FlushManager) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.done != nil {
		<-f.done
	}
	f.flush()
}

func (f *FlushManager) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkIdle()
		}
	}
}
