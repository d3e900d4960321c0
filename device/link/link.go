// Package link implements the gateway's serial link driver: a polled
// read/write engine over the TinyBMS UART with sleep-wake retry and a
// stream reassembler tolerant of partial and garbage bytes (spec.md §4.3).
package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/errs"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the TinyBMS UART's default baud rate (spec.md §6).
	DefaultBaudRate = 115200

	// readTimeout bounds each blocking serial read so the worker loop can
	// observe context cancellation and drive sleep-wake retries without an
	// indefinite wait (spec.md §4.3 option 2: "blocking read with a short
	// timeout (~20ms)").
	readTimeout = 20 * time.Millisecond

	// sleepWakeDelay is the pause between a silent command and its single
	// retry (spec.md §4.3).
	sleepWakeDelay = 50 * time.Millisecond

	readBufSize = 256
)

// FrameHandler receives every frame the reassembler completes, in arrival
// order.
type FrameHandler func(codec.VendorFrame)

// Config configures a Link.
type Config struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0").
	Port string

	// BaudRate. Default: 115200.
	BaudRate int

	// Logger for link events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Stats holds the link-level diagnostics counters the poller exposes in
// its combined snapshot (spec.md §4.4).
type Stats struct {
	FramesTotal   uint64
	FramesValid   uint64
	HeaderErrors  uint64
	LengthErrors  uint64
	CRCErrors     uint64
	TimeoutErrors uint64
}

// Link owns the serial port exclusively: all writes flow through it, and
// the arbiter gates command writes against the poll loop (spec.md §5:
// "the serial hardware is exclusively owned by the link driver").
type Link struct {
	cfg Config
	log *slog.Logger

	port        serial.Port
	reassembler *Reassembler

	writeMu sync.Mutex // serialises writes onto the wire

	frameHandler atomic.Pointer[FrameHandler]

	stats Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Link with the given configuration. The serial port is not
// opened until Start.
func New(cfg Config) *Link {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("link")
	return &Link{
		cfg:         cfg,
		log:         logger,
		reassembler: NewReassembler(logger),
	}
}

// SetFrameHandler installs the callback invoked for each reassembled
// frame. Safe to call concurrently with Start/Stop.
func (l *Link) SetFrameHandler(fn FrameHandler) {
	l.frameHandler.Store(&fn)
}

// Start opens the serial port and begins the polled read loop.
func (l *Link) Start(ctx context.Context) error {
	if l.cfg.Port == "" {
		return errs.New(errs.InvalidArgument, "serial port is required")
	}

	mode := &serial.Mode{BaudRate: l.cfg.BaudRate}
	port, err := serial.Open(l.cfg.Port, mode)
	if err != nil {
		return errs.Wrap(errs.IoFailure, "opening serial port", err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return errs.Wrap(errs.IoFailure, "setting serial read timeout", err)
	}

	l.port = port
	l.done = make(chan struct{})

	readCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go l.readLoop(readCtx)

	l.log.Info("serial link opened", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
	return nil
}

// Stop closes the serial port and waits for the read loop to exit.
func (l *Link) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.port != nil {
		err = l.port.Close()
	}
	if l.done != nil {
		<-l.done
	}
	return err
}

// Write sends raw bytes onto the wire. Callers (poller, arbiter) build the
// frame; Link only owns the physical write.
func (l *Link) Write(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.port == nil {
		return errs.New(errs.InvalidState, "link is not started")
	}
	_, err := l.port.Write(frame)
	if err != nil {
		return errs.Wrap(errs.IoFailure, "writing to serial port", err)
	}
	return nil
}

// FlushInput discards any buffered, not-yet-framed bytes in the
// reassembler (spec.md §4.4 step 3: "flush serial input and reset
// reassembler").
func (l *Link) FlushInput() {
	l.reassembler.Reset()
}

// WriteAndAwait sends frame and waits for the next frame the reassembler
// produces, within timeout. On silence it flushes the input, waits 50ms,
// and retries the write exactly once (spec.md §4.3 "sleep-wake retry");
// continued silence returns a Timeout error and counts it in Stats.
func (l *Link) WriteAndAwait(frame []byte, timeout time.Duration) (codec.VendorFrame, error) {
	resp := make(chan codec.VendorFrame, 1)
	prev := l.frameHandler.Load()
	l.frameHandler.Store(ptrTo(FrameHandler(func(f codec.VendorFrame) {
		select {
		case resp <- f:
		default:
		}
		if prev != nil {
			(*prev)(f)
		}
	})))
	defer l.frameHandler.Store(prev)

	if err := l.Write(frame); err != nil {
		return codec.VendorFrame{}, err
	}

	select {
	case f := <-resp:
		return f, nil
	case <-time.After(timeout):
	}

	l.FlushInput()
	time.Sleep(sleepWakeDelay)
	if err := l.Write(frame); err != nil {
		return codec.VendorFrame{}, err
	}

	select {
	case f := <-resp:
		return f, nil
	case <-time.After(timeout):
		atomic.AddUint64(&l.stats.TimeoutErrors, 1)
		return codec.VendorFrame{}, errs.New(errs.Timeout, "no response after sleep-wake retry")
	}
}

func ptrTo[T any](v T) *T { return &v }

// StatsSnapshot returns a copy of the link's diagnostics counters.
// FramesTotal counts every frame the reassembler attempted to deliver,
// valid or not; FramesValid counts only the ones that parsed cleanly.
func (l *Link) StatsSnapshot() Stats {
	headerErrors, lengthErrors, crcErrors := l.reassembler.ErrorCounts()
	valid := atomic.LoadUint64(&l.stats.FramesValid)
	return Stats{
		FramesTotal:   valid + headerErrors + lengthErrors + crcErrors,
		FramesValid:   valid,
		HeaderErrors:  headerErrors,
		LengthErrors:  lengthErrors,
		CRCErrors:     crcErrors,
		TimeoutErrors: atomic.LoadUint64(&l.stats.TimeoutErrors),
	}
}

func (l *Link) readLoop(ctx context.Context) {
	defer close(l.done)

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				l.log.Error("serial link closed unexpectedly", "error", err)
				return
			}
			l.log.Warn("serial read error", "error", err)
			continue
		}
		if n == 0 {
			continue // read timeout elapsed with no data
		}

		frames := l.reassembler.Feed(buf[:n])
		for _, f := range frames {
			atomic.AddUint64(&l.stats.FramesValid, 1)
			if h := l.frameHandler.Load(); h != nil {
				(*h)(f)
			}
		}
	}
}
