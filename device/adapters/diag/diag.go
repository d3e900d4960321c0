// Package diag subscribes to the raw and decoded frame topics on the
// gateway's event bus and turns each event into the spec's diagnostic log
// JSON record (spec.md §6), appending it to the diagnostic ring and
// notifying the persister's flush manager.
package diag

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tinybms/gateway/core/bus"
	"github.com/tinybms/gateway/core/diag"
)

// DecodedFrame is the bus.TopicDecodedFrame event payload: a parsed
// frame's opcode name plus its raw payload bytes.
type DecodedFrame struct {
	Opcode  string
	Payload []byte
}

// Flusher is notified once per diagnostic ring append, so the persister's
// batching thresholds (spec.md §4.8) see every write.
type Flusher interface {
	NotifyAppend()
}

// Record is the §6 diagnostic log JSON record shape.
type Record struct {
	Type        string `json:"type"`
	TimestampMs int64  `json:"timestamp_ms"`
	Sequence    uint64 `json:"sequence"`
	PayloadHex  string `json:"payload_hex"`
	Opcode      string `json:"opcode,omitempty"`
}

// Config configures a Subscriber.
type Config struct {
	// Bus is subscribed on bus.TopicRawFrame and bus.TopicDecodedFrame.
	Bus *bus.Bus
	// Ring receives every JSON-encoded record.
	Ring *diag.Ring
	// Flush is notified after each successful append. Optional.
	Flush  Flusher
	Logger *slog.Logger
}

// Subscriber feeds the diagnostic ring from the event bus.
type Subscriber struct {
	cfg Config
	log *slog.Logger

	rawSub     *bus.Subscription
	decodedSub *bus.Subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Subscriber. It does not subscribe until Start is called.
func New(cfg Config) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{cfg: cfg, log: logger.WithGroup("diag")}
}

// Start subscribes to the raw/decoded frame topics and begins feeding the
// ring.
func (s *Subscriber) Start(ctx context.Context) {
	s.rawSub = s.cfg.Bus.Subscribe(bus.TopicRawFrame)
	s.decodedSub = s.cfg.Bus.Subscribe(bus.TopicDecodedFrame)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Stop unsubscribes and waits for the run loop to exit.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.rawSub != nil {
		s.rawSub.Unsubscribe()
	}
	if s.decodedSub != nil {
		s.decodedSub.Unsubscribe()
	}
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-s.rawSub.C:
			if !ok {
				return
			}
			if raw, ok := v.([]byte); ok {
				s.handle(diag.SourceUARTRaw, BuildRawRecord(raw))
			}
		case v, ok := <-s.decodedSub.C:
			if !ok {
				return
			}
			if df, ok := v.(DecodedFrame); ok {
				s.handle(diag.SourceUARTDecoded, BuildDecodedRecord(df))
			}
		}
	}
}

func (s *Subscriber) handle(source diag.Source, rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("failed to marshal diagnostic record", "error", err)
		return
	}
	if err := s.cfg.Ring.Append(source, payload); err != nil {
		s.log.Warn("diagnostic ring append rejected", "error", err)
		return
	}
	if s.cfg.Flush != nil {
		s.cfg.Flush.NotifyAppend()
	}
	s.cfg.Bus.Publish(bus.TopicDiagnosticEntry, rec)
}

// BuildRawRecord projects a raw UART frame into the §6 "uart_raw" record
// shape. The caller supplies the sequence/timestamp via the ring on
// Append; BuildRawRecord only fills in what it knows (type + hex payload),
// leaving TimestampMs/Sequence zero — the ring entry itself is the
// authoritative record of when and in what order this was observed.
func BuildRawRecord(raw []byte) Record {
	return Record{Type: "uart_raw", PayloadHex: hexUpper(raw)}
}

// BuildDecodedRecord projects a parsed frame into the §6 "uart_decoded"
// record shape.
func BuildDecodedRecord(df DecodedFrame) Record {
	return Record{Type: "uart_decoded", Opcode: df.Opcode, PayloadHex: hexUpper(df.Payload)}
}

// hexUpper renders b as hex-upper-case, zero-padded to two characters per
// byte (spec.md §6).
func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
