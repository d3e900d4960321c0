// Package gateway wires together the TinyBMS serial link, poller and
// command arbiter, snapshot register, event bus, watchdog, diagnostic
// ring and persister, and the MQTT/CAN/diagnostic consumer adapters into
// one running process. It is the hub that owns every piece (spec.md §2)
// the way device/router.Router owns a MeshCore node's transports and
// forwarding state.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinybms/gateway/core/bus"
	"github.com/tinybms/gateway/core/clock"
	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/diag"
	"github.com/tinybms/gateway/core/errs"
	"github.com/tinybms/gateway/core/model"
	"github.com/tinybms/gateway/core/persist"
	"github.com/tinybms/gateway/core/snapshot"
	"github.com/tinybms/gateway/core/watchdog"
	canadapter "github.com/tinybms/gateway/device/adapters/can"
	diagadapter "github.com/tinybms/gateway/device/adapters/diag"
	"github.com/tinybms/gateway/device/adapters/metrics"
	mqttadapter "github.com/tinybms/gateway/device/adapters/mqtt"
	"github.com/tinybms/gateway/device/link"
	"github.com/tinybms/gateway/device/poller"
)

// Watchdog task name registered for the poller.
const (
	taskPoller = "poller"
)

// pollerWatchdogTimeoutMultiplier bounds how many missed poll intervals
// the watchdog tolerates before declaring the poller dead.
const pollerWatchdogTimeoutMultiplier = 4

// Config configures a Gateway. Only Link.Port and Persist.Path are
// required; every adapter is optional and is skipped when its pointer is
// nil.
type Config struct {
	Device string

	Link           link.Config
	PollInterval   time.Duration
	CommandTimeout time.Duration

	Persist persist.Config

	// MQTT enables the MQTT metrics publisher when non-nil.
	MQTT *mqttadapter.Config
	// CAN enables the CAN telemetry publisher when non-nil.
	CAN *canadapter.Config

	Logger *slog.Logger
}

// Gateway owns every running subsystem of one TinyBMS gateway instance.
type Gateway struct {
	cfg Config
	log *slog.Logger
	clk *clock.Clock

	link     *link.Link
	poller   *poller.Poller
	arbiter  *poller.Arbiter
	snapshot *snapshot.Register
	bus      *bus.Bus
	watchdog *watchdog.Watchdog

	diagRing    *diag.Ring
	store       *persist.Store
	flush       *persist.FlushManager
	diagSub     *diagadapter.Subscriber
	metricsProv *metrics.Provider

	mqttPub *mqttadapter.Publisher
	canPub  *canadapter.Publisher
}

// New assembles a Gateway. It performs no I/O; call Start to open the
// serial port, connect adapters, and begin polling.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.WithGroup("gateway")
	clk := clock.New()

	b := bus.New(bus.Config{Logger: logger})
	snap := snapshot.New()
	ring := diag.New(diag.Config{Clock: clk})
	wd := watchdog.New(watchdog.Config{Clock: clk, Logger: logger})

	g := &Gateway{
		cfg:         cfg,
		log:         log,
		clk:         clk,
		bus:         b,
		snapshot:    snap,
		watchdog:    wd,
		diagRing:    ring,
		metricsProv: metrics.New(),
	}

	cfg.Link.Logger = logger
	g.link = link.New(cfg.Link)

	g.poller = poller.NewFromCatalogue(poller.Config{
		Interval:       cfg.PollInterval,
		CommandTimeout: cfg.CommandTimeout,
		Link:           g.link,
		OnResponse:     g.onPollResponse,
		NowFn:          func() time.Time { return time.UnixMilli(clk.NowMillis()) },
		Logger:         logger,
	})
	g.arbiter = poller.NewArbiter(poller.ArbiterConfig{
		Link:           g.link,
		Poller:         g.poller,
		CommandTimeout: cfg.CommandTimeout,
		Logger:         logger,
	})

	g.link.SetFrameHandler(g.onFrame)

	if cfg.MQTT != nil {
		mqttCfg := *cfg.MQTT
		mqttCfg.Bus = b
		if mqttCfg.Device == "" {
			mqttCfg.Device = cfg.Device
		}
		mqttCfg.Logger = logger
		g.mqttPub = mqttadapter.New(mqttCfg)
	}
	if cfg.CAN != nil {
		canCfg := *cfg.CAN
		canCfg.Bus = b
		canCfg.Logger = logger
		g.canPub = canadapter.New(canCfg)
	}

	return g
}

// Start opens the serial port, loads any prior diagnostic snapshot,
// starts the poll loop and watchdog monitor, and connects every
// configured adapter.
func (g *Gateway) Start(ctx context.Context) error {
	store, err := persist.Open(g.cfg.Persist)
	if err != nil {
		return err
	}
	g.store = store

	if snap, err := store.Load(persist.SnapshotKey); err == nil {
		g.diagRing.Restore(snap)
	} else if !errs.Is(err, errs.NotFound) {
		g.log.Warn("failed to load prior diagnostic snapshot", "error", err)
	}

	g.flush = persist.NewFlushManager(persist.FlushManagerConfig{
		Store:  g.store,
		Ring:   g.diagRing,
		NowFn:  func() time.Time { return time.UnixMilli(g.clk.NowMillis()) },
		Logger: g.log,
	})

	if err := g.link.Start(ctx); err != nil {
		_ = g.store.Close()
		return err
	}

	pollerTimeout := g.poller.Interval() * pollerWatchdogTimeoutMultiplier
	if err := g.watchdog.Register(taskPoller, pollerTimeout); err != nil {
		g.log.Warn("failed to register poller with watchdog", "error", err)
	}

	g.poller.Start(ctx)
	g.watchdog.Start(ctx)
	g.flush.Start(ctx)

	g.diagSub = diagadapter.New(diagadapter.Config{
		Bus:    g.bus,
		Ring:   g.diagRing,
		Flush:  g.flush,
		Logger: g.log,
	})
	g.diagSub.Start(ctx)

	if g.mqttPub != nil {
		if err := g.mqttPub.Start(ctx); err != nil {
			g.log.Error("failed to start MQTT publisher", "error", err)
		}
	}
	if g.canPub != nil {
		if err := g.canPub.Start(ctx); err != nil {
			g.log.Error("failed to start CAN publisher", "error", err)
		}
	}

	g.log.Info("gateway started", "device", g.cfg.Device, "port", g.cfg.Link.Port)
	return nil
}

// Stop tears down every subsystem in reverse dependency order and
// performs one final diagnostic snapshot flush.
func (g *Gateway) Stop() {
	if g.canPub != nil {
		g.canPub.Stop()
	}
	if g.mqttPub != nil {
		g.mqttPub.Stop()
	}
	if g.diagSub != nil {
		g.diagSub.Stop()
	}
	if g.flush != nil {
		g.flush.Stop()
	}
	g.watchdog.Stop()
	g.poller.Stop()
	if err := g.link.Stop(); err != nil {
		g.log.Warn("error closing serial link", "error", err)
	}
	if g.store != nil {
		_ = g.store.Close()
	}
	g.log.Info("gateway stopped")
}

// WriteRegister issues an arbitrated write-then-verify to a single
// register (spec.md §4.4).
func (g *Gateway) WriteRegister(ctx context.Context, addr, value uint16) (uint16, error) {
	return g.arbiter.WriteRegister(ctx, addr, value)
}

// ReadRegister issues an arbitrated single-register read.
func (g *Gateway) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	return g.arbiter.ReadSingleRegister(ctx, addr)
}

// Restart issues the BMS restart command (spec.md S5 scenario).
func (g *Gateway) Restart(ctx context.Context) (uint16, error) {
	return g.arbiter.Restart(ctx)
}

// Latest returns the most recently published LiveData snapshot, if any.
func (g *Gateway) Latest() (*model.LiveData, bool) {
	return g.snapshot.Latest()
}

// WatchdogStatus returns the current liveness report for every registered
// task (spec.md §4.7, §6).
func (g *Gateway) WatchdogStatus() watchdog.Status {
	return g.watchdog.Status()
}

// MemoryMetrics samples the gateway process's own memory health
// (spec.md §6, "Memory metrics JSON").
func (g *Gateway) MemoryMetrics() (metrics.Snapshot, error) {
	return g.metricsProv.Sample()
}

// Diagnostics returns the combined link/poller counter set (spec.md §4.4)
// as the package-agnostic model.DiagCounters shape consumers outside
// device/poller (the MQTT/CAN adapters, a future HMI) can depend on
// without importing the poller package itself.
func (g *Gateway) Diagnostics() model.DiagCounters {
	d := g.poller.Diagnostics()
	return model.DiagCounters{
		FramesTotal:           d.FramesTotal,
		FramesValid:           d.FramesValid,
		HeaderErrors:          d.HeaderErrors,
		LengthErrors:          d.LengthErrors,
		CrcErrors:             d.CRCErrors,
		TimeoutErrors:         d.TimeoutErrors,
		MissingRegisterErrors: d.MissingRegisterErrors,
	}
}

// Bus exposes the event bus for callers that want to subscribe directly
// (e.g. a future HMI layer).
func (g *Gateway) Bus() *bus.Bus { return g.bus }

func (g *Gateway) onPollResponse(ld *model.LiveData) {
	g.snapshot.Publish(ld)
	g.bus.Publish(bus.TopicLiveData, ld)
	if err := g.watchdog.CheckIn(taskPoller); err != nil {
		g.log.Warn("watchdog check-in failed", "task", taskPoller, "error", err)
	}
}

func (g *Gateway) onFrame(f codec.VendorFrame) {
	g.bus.Publish(bus.TopicRawFrame, codec.EncodeVendorFrame(f))
	g.bus.Publish(bus.TopicDecodedFrame, diagadapter.DecodedFrame{
		Opcode:  f.Opcode.String(),
		Payload: f.Data,
	})
}
