// Package poller implements the gateway's periodic poll loop and its
// write/read-single command arbiter (spec.md §4.4).
//
// The poller is modeled as an explicit state machine with an inbox rather
// than a shared pause flag the loop busy-waits on (spec.md §9: "Cooperative
// task pause flag → model the poller as a state machine ... no
// busy-wait"): the arbiter sends a Pause message and blocks on its
// acknowledgement channel, the loop only ever receives on that inbox
// between iterations, and Resume is symmetric. No goroutine ever spins.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/errs"
	"github.com/tinybms/gateway/core/model"
	"github.com/tinybms/gateway/core/registry"
	"github.com/tinybms/gateway/device/link"
)

// MinInterval and MaxInterval bound the configurable poll interval
// (spec.md §4.4: "clamped to [100, 1000]").
const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 1000 * time.Millisecond
	DefaultInterval = 250 * time.Millisecond
)

// DefaultCommandTimeout bounds how long the poller and arbiter wait for a
// response to a single command (poll, write, or verification read).
const DefaultCommandTimeout = 500 * time.Millisecond

// CommandLink is the subset of *link.Link the poller and arbiter need. It
// exists so tests can substitute a fake transport without opening a real
// serial port.
type CommandLink interface {
	Write(frame []byte) error
	WriteAndAwait(frame []byte, timeout time.Duration) (codec.VendorFrame, error)
	FlushInput()
	StatsSnapshot() link.Stats
}

// State is the poller's current lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateAwaitingResponse
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

type msgKind int

const (
	msgPause msgKind = iota
	msgResume
)

type controlMsg struct {
	kind msgKind
	ack  chan struct{}
}

// Diagnostics mirrors spec.md §4.4's poller counters.
type Diagnostics struct {
	FramesTotal           uint64
	FramesValid           uint64
	HeaderErrors          uint64
	LengthErrors          uint64
	CRCErrors             uint64
	TimeoutErrors         uint64
	MissingRegisterErrors uint64
}

// ResponseHandler is invoked with a freshly decoded snapshot from a
// successful poll response.
type ResponseHandler func(ld *model.LiveData)

// Config configures a Poller.
type Config struct {
	// Interval between polls. Clamped to [MinInterval, MaxInterval].
	// Default: 250ms.
	Interval time.Duration

	// CommandTimeout bounds each poll request's wait for a response.
	// Default: 500ms.
	CommandTimeout time.Duration

	// Link is the serial link the poller sends requests over. Required.
	Link CommandLink

	// OnResponse receives every successfully parsed poll response.
	OnResponse ResponseHandler

	// NowFn allows overriding time.Now for deterministic tests.
	NowFn func() time.Time

	// Logger for poller events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Poller periodically polls the full register catalogue and honors
// Pause/Resume requests from the command arbiter between iterations.
type Poller struct {
	cfg     Config
	log     *slog.Logger
	nowFn   func() time.Time
	request []byte

	state atomic.Int32
	diag  diagCounters

	control chan controlMsg
	cancel  context.CancelFunc
	done    chan struct{}

	intervalMu atomic.Int64 // nanoseconds; read/written atomically
}

type diagCounters struct {
	missingRegisterErrors atomic.Uint64
}

// New creates a Poller. addrs is the ordered set of register addresses
// polled every interval (normally registry.Addresses()).
func New(cfg Config, addrs []uint16) *Poller {
	if cfg.Interval < MinInterval || cfg.Interval > MaxInterval {
		if cfg.Interval == 0 {
			cfg.Interval = DefaultInterval
		} else if cfg.Interval < MinInterval {
			cfg.Interval = MinInterval
		} else {
			cfg.Interval = MaxInterval
		}
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poller{
		cfg:     cfg,
		log:     logger.WithGroup("poller"),
		nowFn:   cfg.NowFn,
		request: codec.BuildReadRegistersRequest(addrs),
		control: make(chan controlMsg),
	}
	p.intervalMu.Store(int64(cfg.Interval))
	p.state.Store(int32(StateIdle))
	return p
}

// NewFromCatalogue builds the poll request from the full register
// catalogue (the normal production wiring).
func NewFromCatalogue(cfg Config) *Poller {
	return New(cfg, registry.Addresses())
}

// State returns the poller's current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Interval returns the currently configured poll interval.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.intervalMu.Load())
}

// SetInterval changes the poll interval at runtime; the loop picks it up
// the next time it computes a wake time (spec.md §4.4: "atomic via a short
// critical section").
func (p *Poller) SetInterval(d time.Duration) {
	if d < MinInterval {
		d = MinInterval
	} else if d > MaxInterval {
		d = MaxInterval
	}
	p.intervalMu.Store(int64(d))
}

// Diagnostics returns the combined poller + link counters named in
// spec.md §4.4: frame-level counts (including length_errors, the
// over-long-claimed-length resyncs from the reassembler) come from the
// link, and missing_register_errors is owned by the poller since it
// depends on catalogue shape, not on the wire.
func (p *Poller) Diagnostics() Diagnostics {
	var linkStats link.Stats
	if p.cfg.Link != nil {
		linkStats = p.cfg.Link.StatsSnapshot()
	}
	return Diagnostics{
		FramesTotal:           linkStats.FramesTotal,
		FramesValid:           linkStats.FramesValid,
		HeaderErrors:          linkStats.HeaderErrors,
		LengthErrors:          linkStats.LengthErrors,
		CRCErrors:             linkStats.CRCErrors,
		TimeoutErrors:         linkStats.TimeoutErrors,
		MissingRegisterErrors: p.diag.missingRegisterErrors.Load(),
	}
}

// Pause asks the poller to stop polling before its next iteration and
// blocks until it acknowledges. Safe to call from the arbiter goroutine
// only (one pause in flight at a time — the arbiter's own command mutex
// enforces that).
func (p *Poller) Pause(ctx context.Context) error {
	return p.send(ctx, controlMsg{kind: msgPause})
}

// Resume reverses Pause.
func (p *Poller) Resume(ctx context.Context) error {
	return p.send(ctx, controlMsg{kind: msgResume})
}

func (p *Poller) send(ctx context.Context, msg controlMsg) error {
	msg.ack = make(chan struct{})
	select {
	case p.control <- msg:
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, "poller control channel busy", ctx.Err())
	}
	select {
	case <-msg.ack:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, "poller did not acknowledge control message", ctx.Err())
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	// Scheduling runs on the real wall clock (time.Now/time.After), never
	// on cfg.NowFn: NowFn only stamps the timestamp handed to OnResponse,
	// so tests can inject a fake clock for assertions without distorting
	// the loop's actual timing.
	nextWake := time.Now().Add(p.Interval())
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-p.control:
			switch msg.kind {
			case msgPause:
				p.state.Store(int32(StatePaused))
				close(msg.ack)
				if !p.waitForResume(ctx) {
					return
				}
				// A deliberate pause isn't scheduling jitter: resume the
				// cadence from now rather than chasing a stale wake time.
				nextWake = time.Now().Add(p.Interval())
			case msgResume:
				close(msg.ack) // already resumed (or never paused): no-op
			}

		case <-time.After(time.Until(nextWake)):
			p.state.Store(int32(StateAwaitingResponse))
			p.pollOnce()
			p.state.Store(int32(StateIdle))
			nextWake = nextWake.Add(p.Interval()) // drift compensation: previous + interval
		}
	}
}

// waitForResume blocks the loop, answering only control messages, until a
// Resume arrives or the context is cancelled. Returns false on shutdown.
func (p *Poller) waitForResume(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg := <-p.control:
			switch msg.kind {
			case msgResume:
				p.state.Store(int32(StateIdle))
				close(msg.ack)
				return true
			case msgPause:
				close(msg.ack) // already paused: no-op
			}
		}
	}
}

func (p *Poller) pollOnce() {
	resp, err := p.cfg.Link.WriteAndAwait(p.request, p.cfg.CommandTimeout)
	if err != nil {
		p.log.Warn("poll request failed", "error", err)
		return
	}
	if resp.Opcode != codec.OpReadRegisters {
		p.log.Warn("unexpected opcode in poll response", "opcode", resp.Opcode.String())
		return
	}
	values, err := codec.DecodeReadRegistersResponse(resp.Data)
	if err != nil {
		p.log.Warn("malformed poll response payload", "error", err)
		return
	}
	if len(values) != registry.TotalWordCount() {
		p.diag.missingRegisterErrors.Add(1)
		p.log.Warn("poll response shorter than catalogue", "got_words", len(values), "want_words", registry.TotalWordCount())
		return
	}
	ld, err := codec.ParsePollResponse(values, p.nowFn().UnixMilli())
	if err != nil {
		p.log.Warn("poll response failed to decode into live data", "error", err)
		return
	}
	if p.cfg.OnResponse != nil {
		p.cfg.OnResponse(ld)
	}
}
