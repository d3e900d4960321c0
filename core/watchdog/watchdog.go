// Package watchdog implements the gateway's soft watchdog: a fixed-slot
// table of named task liveness records, a periodic monitor that marks
// overdue tasks dead, and a JSON status export (spec.md §4.7, §6).
package watchdog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tinybms/gateway/core/clock"
	"github.com/tinybms/gateway/core/errs"
)

// MaxTasks is the fixed number of task slots (spec.md §4.7: "fixed slot
// count").
const MaxTasks = 16

// MaxNameLength is the longest allowed task name.
const MaxNameLength = 31

// DefaultCheckInterval is how often the monitor scans for overdue tasks
// (spec.md §4.7: SOFTWARE_WATCHDOG_CHECK_INTERVAL_MS, default 5s).
const DefaultCheckInterval = 5 * time.Second

// mutexTimeout bounds how long a caller waits to acquire the watchdog's
// internal mutex (spec.md §5: "100ms for listener/diagnostic mutexes").
const mutexTimeout = 100 * time.Millisecond

// TaskRecord is a snapshot of one registered task's liveness state.
type TaskRecord struct {
	Name           string
	TimeoutMs      int64
	LastCheckinMs  int64
	MissedCheckins uint64
	IsAlive        bool
}

// Status is the JSON-exportable watchdog status (spec.md §6).
type Status struct {
	TotalTasks    int          `json:"total_tasks"`
	TasksAlive    int          `json:"tasks_alive"`
	TasksTimeout  int          `json:"tasks_timeout"`
	SystemHealthy bool         `json:"system_healthy"`
	Tasks         []TaskStatus `json:"tasks"`
}

// TaskStatus is one task entry within Status.
type TaskStatus struct {
	Name           string `json:"name"`
	LastCheckinMs  int64  `json:"last_checkin_ms"`
	TimeoutMs      int64  `json:"timeout_ms"`
	MissedCheckins uint64 `json:"missed_checkins"`
	IsAlive        bool   `json:"is_alive"`
}

// TimeoutEvent is passed to Config.OnTimeout when a task is marked dead by
// the monitor.
type TimeoutEvent struct {
	Name           string
	MissedCheckins uint64
}

// Config configures a Watchdog.
type Config struct {
	// CheckInterval is how often the monitor scans for overdue tasks.
	// Default: 5s.
	CheckInterval time.Duration

	// Clock supplies check-in timestamps and is shared with the rest of
	// the gateway so records share one time base. Required.
	Clock *clock.Clock

	// OnTimeout, if set, is invoked outside any internal lock whenever the
	// monitor marks a task dead.
	OnTimeout func(TimeoutEvent)

	// Logger for watchdog events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type entry struct {
	record TaskRecord
}

// Watchdog tracks liveness of a fixed set of named tasks.
type Watchdog struct {
	cfg   Config
	log   *slog.Logger
	clock *clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Watchdog with the given configuration.
func New(cfg Config) *Watchdog {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:     cfg,
		log:     logger.WithGroup("watchdog"),
		clock:   cfg.Clock,
		entries: make(map[string]*entry, MaxTasks),
	}
}

// Register adds a task to the watchdog, alive, with the given timeout. It
// fails with NoMem if all slots are in use, InvalidArgument on an empty or
// too-long name, and InvalidState if the clock dependency was never
// supplied.
func (w *Watchdog) Register(name string, timeout time.Duration) error {
	if name == "" || len(name) > MaxNameLength {
		return errs.New(errs.InvalidArgument, "task name must be 1-31 characters")
	}
	if w.clock == nil {
		return errs.New(errs.InvalidState, "watchdog has no clock configured")
	}
	if !w.lock() {
		return errs.New(errs.Timeout, "could not acquire watchdog mutex")
	}
	defer w.mu.Unlock()

	if _, exists := w.entries[name]; exists {
		w.entries[name].record.TimeoutMs = timeout.Milliseconds()
		return nil
	}
	if len(w.entries) >= MaxTasks {
		return errs.New(errs.NoMem, "watchdog task slots exhausted")
	}

	w.entries[name] = &entry{record: TaskRecord{
		Name:          name,
		TimeoutMs:     timeout.Milliseconds(),
		LastCheckinMs: w.clock.NowMillis(),
		IsAlive:       true,
	}}
	w.order = append(w.order, name)
	return nil
}

// Unregister removes a task. A no-op if the task isn't registered.
func (w *Watchdog) Unregister(name string) {
	if !w.lock() {
		return
	}
	defer w.mu.Unlock()
	if _, ok := w.entries[name]; !ok {
		return
	}
	delete(w.entries, name)
	for i, n := range w.order {
		if n == name {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// CheckIn records that name is alive right now, clearing its missed-checkin
// counter and reviving it if the monitor had marked it dead. Unknown names
// are a silent no-op — the caller may check in before the task is
// registered.
func (w *Watchdog) CheckIn(name string) error {
	if !w.lock() {
		return errs.New(errs.Timeout, "could not acquire watchdog mutex")
	}
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return nil
	}
	e.record.LastCheckinMs = w.clock.NowMillis()
	e.record.MissedCheckins = 0
	e.record.IsAlive = true
	return nil
}

// lock attempts to acquire the internal mutex within mutexTimeout. Go
// mutexes have no native TryLock-with-timeout, so this polls a cheap
// TryLock in a tight loop — acceptable because the critical sections it
// guards are all O(MaxTasks) and sub-microsecond.
func (w *Watchdog) lock() bool {
	deadline := time.Now().Add(mutexTimeout)
	for {
		if w.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Status returns a point-in-time snapshot of every registered task.
func (w *Watchdog) Status() Status {
	if !w.lock() {
		return Status{}
	}
	defer w.mu.Unlock()

	st := Status{Tasks: make([]TaskStatus, 0, len(w.order))}
	for _, name := range w.order {
		r := w.entries[name].record
		st.Tasks = append(st.Tasks, TaskStatus{
			Name:           r.Name,
			LastCheckinMs:  r.LastCheckinMs,
			TimeoutMs:      r.TimeoutMs,
			MissedCheckins: r.MissedCheckins,
			IsAlive:        r.IsAlive,
		})
		st.TotalTasks++
		if r.IsAlive {
			st.TasksAlive++
		} else {
			st.TasksTimeout++
		}
	}
	st.SystemHealthy = st.TasksTimeout == 0
	return st
}

// StatusJSON returns Status marshalled per the §6 schema.
func (w *Watchdog) StatusJSON() ([]byte, error) {
	return json.Marshal(w.Status())
}

// Start launches the monitor loop, which scans every CheckInterval for
// tasks that haven't checked in within their timeout.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.checkOverdue()
			}
		}
	}()
}

// Stop halts the monitor loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

func (w *Watchdog) checkOverdue() {
	if !w.lock() {
		return
	}
	now := w.clock.NowMillis()
	var timedOut []TimeoutEvent
	for _, name := range w.order {
		e := w.entries[name]
		if now-e.record.LastCheckinMs > e.record.TimeoutMs {
			e.record.IsAlive = false
			e.record.MissedCheckins++
			timedOut = append(timedOut, TimeoutEvent{Name: name, MissedCheckins: e.record.MissedCheckins})
		}
	}
	w.mu.Unlock()

	for _, ev := range timedOut {
		w.log.Warn("task watchdog timeout", "task", ev.Name, "missed_checkins", ev.MissedCheckins)
		if w.cfg.OnTimeout != nil {
			w.cfg.OnTimeout(ev)
		}
	}
}
