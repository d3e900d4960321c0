package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/errs"
	"github.com/tinybms/gateway/core/registry"
	"golang.org/x/sync/semaphore"
)

// DefaultCommandMutexTimeout bounds how long a caller waits to acquire the
// arbiter before giving up (spec.md §4.4 step 1: "acquire command mutex
// with timeout").
const DefaultCommandMutexTimeout = 2 * time.Second

// ArbiterConfig configures an Arbiter.
type ArbiterConfig struct {
	// Link is the serial link shared with the poller. Required.
	Link CommandLink

	// Poller is paused for the duration of every arbiter command so no
	// poll frame interleaves with a write/verification exchange.
	// Required.
	Poller *Poller

	// CommandTimeout bounds the wait for an ACK/NACK or a verification
	// read, per attempt (the link's own sleep-wake retry already governs
	// wire-level silence within that window). Default: 500ms.
	CommandTimeout time.Duration

	// MutexTimeout bounds how long a caller waits to acquire exclusive
	// command access. Default: 2s.
	MutexTimeout time.Duration

	Logger *slog.Logger
}

// Arbiter serialises write-register and read-single-register commands
// against the poll loop (spec.md §4.4): only one command is ever in flight,
// and the poller is paused for its duration so a poll frame can never land
// between a write and its verification read.
type Arbiter struct {
	cfg ArbiterConfig
	log *slog.Logger
	sem *semaphore.Weighted
}

// NewArbiter creates an Arbiter over the given link and poller.
func NewArbiter(cfg ArbiterConfig) *Arbiter {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MutexTimeout <= 0 {
		cfg.MutexTimeout = DefaultCommandMutexTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		cfg: cfg,
		log: logger.WithGroup("arbiter"),
		sem: semaphore.NewWeighted(1),
	}
}

// WriteRegister writes value to addr and returns the raw value the
// subsequent verification read reports (spec.md §4.4 steps 4-5). It does
// not compare the verification read against value — per spec.md §9's open
// question on the restart register's boot-window read, the arbiter reports
// whatever the device returns and leaves retry policy to the caller.
func (a *Arbiter) WriteRegister(ctx context.Context, addr, value uint16) (uint16, error) {
	if !isWritableAddress(addr) {
		return 0, errs.New(errs.NotFound, "register not in catalogue: "+addrHex(addr))
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.MutexTimeout)
	defer cancel()
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return 0, errs.Wrap(errs.Busy, "arbiter command mutex busy", err)
	}
	defer a.sem.Release(1)

	pauseCtx, pauseCancel := context.WithTimeout(context.Background(), a.cfg.MutexTimeout)
	defer pauseCancel()
	if err := a.cfg.Poller.Pause(pauseCtx); err != nil {
		return 0, errs.Wrap(errs.Busy, "could not pause poller for write", err)
	}
	defer func() {
		resumeCtx, resumeCancel := context.WithTimeout(context.Background(), a.cfg.MutexTimeout)
		defer resumeCancel()
		if err := a.cfg.Poller.Resume(resumeCtx); err != nil {
			a.log.Error("poller did not acknowledge resume", "error", err)
		}
	}()

	a.cfg.Link.FlushInput()

	req := codec.BuildWriteRegisterRequest(addr, value)
	resp, err := a.cfg.Link.WriteAndAwait(req, a.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	switch resp.Opcode {
	case codec.OpNack:
		status, derr := codec.DecodeAckResponse(resp.Data)
		if derr != nil {
			return 0, errs.Wrap(errs.IoFailure, "malformed nack payload", derr)
		}
		return 0, errs.New(errs.NotAllowed, "device rejected write, status "+statusHex(status))
	case codec.OpAck:
		// fall through to verification read
	default:
		return 0, errs.New(errs.InvalidState, "unexpected opcode in write response: "+resp.Opcode.String())
	}

	return a.readSingleLocked(addr)
}

// ReadSingleRegister issues a single-register read outside the poll cycle
// (e.g. an on-demand UI refresh), under the same mutual exclusion as
// WriteRegister.
func (a *Arbiter) ReadSingleRegister(ctx context.Context, addr uint16) (uint16, error) {
	if _, ok := registry.Lookup(addr); !ok {
		return 0, errs.New(errs.NotFound, "register not in catalogue: "+addrHex(addr))
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.MutexTimeout)
	defer cancel()
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return 0, errs.Wrap(errs.Busy, "arbiter command mutex busy", err)
	}
	defer a.sem.Release(1)

	pauseCtx, pauseCancel := context.WithTimeout(context.Background(), a.cfg.MutexTimeout)
	defer pauseCancel()
	if err := a.cfg.Poller.Pause(pauseCtx); err != nil {
		return 0, errs.Wrap(errs.Busy, "could not pause poller for read", err)
	}
	defer func() {
		resumeCtx, resumeCancel := context.WithTimeout(context.Background(), a.cfg.MutexTimeout)
		defer resumeCancel()
		if err := a.cfg.Poller.Resume(resumeCtx); err != nil {
			a.log.Error("poller did not acknowledge resume", "error", err)
		}
	}()

	a.cfg.Link.FlushInput()
	return a.readSingleLocked(addr)
}

// Restart issues the BMS software-reset command: a write-register to
// registry.RestartRegister with codec.RestartMagicValue, producing the
// exact wire bytes codec.BuildRestartCommand would (they share the same
// builder call), then the mandatory verification read. RestartRegister is
// deliberately absent from the poll catalogue, so isWritableAddress admits
// it explicitly alongside catalogue membership.
func (a *Arbiter) Restart(ctx context.Context) (uint16, error) {
	return a.WriteRegister(ctx, registry.RestartRegister, codec.RestartMagicValue)
}

// isWritableAddress reports whether addr is a command destination the
// arbiter will send over the wire: any catalogue register, or the
// catalogue-external restart command register (spec.md §7: "register not
// in catalogue → NotFound").
func isWritableAddress(addr uint16) bool {
	if addr == registry.RestartRegister {
		return true
	}
	_, ok := registry.Lookup(addr)
	return ok
}

// readSingleLocked issues the verification read. Callers must already hold
// the command semaphore and have paused the poller.
func (a *Arbiter) readSingleLocked(addr uint16) (uint16, error) {
	req := codec.BuildReadSingleRegisterRequest(addr)
	resp, err := a.cfg.Link.WriteAndAwait(req, a.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	if resp.Opcode != codec.OpReadSingleRegister {
		return 0, errs.New(errs.InvalidState, "unexpected opcode in verification read: "+resp.Opcode.String())
	}
	values, err := codec.DecodeReadRegistersResponse(resp.Data)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, errs.New(errs.InvalidSize, "verification read did not return exactly one register")
	}
	return values[0], nil
}

func statusHex(b byte) string {
	const hex = "0123456789ABCDEF"
	return string([]byte{'0', 'x', hex[b>>4], hex[b&0x0F]})
}

func addrHex(addr uint16) string {
	const hex = "0123456789ABCDEF"
	return string([]byte{
		'0', 'x',
		hex[addr>>12&0xF], hex[addr>>8&0xF], hex[addr>>4&0xF], hex[addr&0xF],
	})
}
