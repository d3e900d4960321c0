// Package can publishes the gateway's telemetry onto a CAN bus via
// samsamfire/gocanopen's socketcan backend. Each logical group of
// LiveData fields becomes its own periodic frame so that every frame
// stays within CAN's 8-byte payload (spec.md §6 budget note: "CAN
// publisher ... thin projection over the bus and snapshot").
package can

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen"
	"github.com/samsamfire/gocanopen/pkg/can"

	"github.com/tinybms/gateway/core/bus"
	"github.com/tinybms/gateway/core/model"
)

// CAN identifiers for the frames this publisher sends. Chosen in the
// 0x180-0x1FF (PDO) range, one ID per logical group.
const (
	FrameIDPackStatus  uint32 = 0x181 // pack voltage/current + SOC/SOH
	FrameIDCellExtremes uint32 = 0x182 // min/max cell voltage + imbalance
	FrameIDAlarms      uint32 = 0x183 // alarm bits + status code
)

// DefaultInterval is the default publish cadence.
const DefaultInterval = time.Second

// Config configures a Publisher.
type Config struct {
	// Interface is the socketcan network interface name (e.g. "can0").
	Interface string
	// Interval between publish cycles. Default: 1s.
	Interval time.Duration
	// Bus is subscribed on bus.TopicLiveData to drive publications.
	Bus *bus.Bus
	Logger *slog.Logger
}

// Publisher projects LiveData records onto periodic CAN frames.
type Publisher struct {
	cfg Config
	log *slog.Logger

	canBus canopen.Bus

	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	latest *model.LiveData
}

// New creates a Publisher. It does not open the CAN interface until Start
// is called.
func New(cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, log: logger.WithGroup("can")}
}

// Start opens the socketcan interface and begins publishing.
func (p *Publisher) Start(ctx context.Context) error {
	b, err := can.NewBus("socketcan", p.cfg.Interface)
	if err != nil {
		return err
	}
	if err := b.Connect(); err != nil {
		return err
	}
	p.canBus = b

	p.sub = p.cfg.Bus.Subscribe(bus.TopicLiveData)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

// Stop stops publishing and closes the CAN interface.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	if p.canBus != nil {
		_ = p.canBus.Disconnect()
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-p.sub.C:
			if !ok {
				return
			}
			if ld, ok := v.(*model.LiveData); ok {
				p.latest = ld
			}
		case <-ticker.C:
			if p.latest != nil {
				p.publish(p.latest)
			}
		}
	}
}

func (p *Publisher) publish(ld *model.LiveData) {
	for _, frame := range BuildFrames(ld) {
		if err := p.canBus.Send(frame); err != nil {
			p.log.Warn("failed to send CAN frame", "id", frame.ID, "error", err)
		}
	}
}

// BuildFrames projects a LiveData record into this publisher's fixed set
// of CAN frames. Exported so it can be tested without a live bus.
func BuildFrames(ld *model.LiveData) []canopen.Frame {
	return []canopen.Frame{
		packStatusFrame(ld),
		cellExtremesFrame(ld),
		alarmsFrame(ld),
	}
}

// packStatusFrame: [0:2) pack voltage (mV, u16), [2:4) pack current (mA,
// i16, signed), [4] SOC pct (u8), [5] SOH pct (u8), [6:8) reserved.
func packStatusFrame(ld *model.LiveData) canopen.Frame {
	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:2], uint16(ld.PackVoltageV*1000))
	binary.LittleEndian.PutUint16(data[2:4], uint16(int16(ld.PackCurrentA*1000)))
	data[4] = byte(ld.StateOfChargePct)
	data[5] = byte(ld.StateOfHealthPct)
	return canopen.Frame{ID: FrameIDPackStatus, DLC: 8, Data: data}
}

// cellExtremesFrame: [0:2) min cell mV, [2:4) max cell mV, [4:6) imbalance
// mV, [6:8) reserved.
func cellExtremesFrame(ld *model.LiveData) canopen.Frame {
	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:2], ld.MinCellMv)
	binary.LittleEndian.PutUint16(data[2:4], ld.MaxCellMv)
	binary.LittleEndian.PutUint16(data[4:6], ld.ImbalanceMv)
	return canopen.Frame{ID: FrameIDCellExtremes, DLC: 8, Data: data}
}

// alarmsFrame: [0] alarm flags (bit0 high_charge, bit1 high_discharge,
// bit2 cell_imbalance), [1:3) raw_alarm_bits, [3:5) raw_warning_bits,
// [5:7) status code, [7] reserved.
func alarmsFrame(ld *model.LiveData) canopen.Frame {
	var data [8]byte
	var flags byte
	if ld.Alarms.HighCharge == model.AlarmActive {
		flags |= 1 << 0
	}
	if ld.Alarms.HighDischarge == model.AlarmActive {
		flags |= 1 << 1
	}
	if ld.Alarms.CellImbalance == model.AlarmActive {
		flags |= 1 << 2
	}
	data[0] = flags
	binary.LittleEndian.PutUint16(data[1:3], ld.Alarms.RawAlarmBits)
	binary.LittleEndian.PutUint16(data[3:5], ld.Alarms.RawWarningBits)
	binary.LittleEndian.PutUint16(data[5:7], ld.StatusCode)
	return canopen.Frame{ID: FrameIDAlarms, DLC: 8, Data: data}
}
