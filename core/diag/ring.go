// Package diag implements the gateway's diagnostic ring: a fixed-capacity
// circular log of raw/decoded frame entries with opportunistic RLE
// compression, and its batched non-volatile persister (spec.md §4.8).
package diag

import (
	"sync"
	"time"

	"github.com/tinybms/gateway/core/clock"
	"github.com/tinybms/gateway/core/errs"
)

// Capacity is the ring's fixed entry count (spec.md §4.8).
const Capacity = 64

// MaxPayloadLen is the largest payload Append accepts.
const MaxPayloadLen = 96

// Source identifies where a diagnostic entry originated (spec.md §6:
// "uart_raw"/"uart_decoded").
type Source uint8

const (
	SourceUARTRaw Source = iota
	SourceUARTDecoded
)

func (s Source) String() string {
	switch s {
	case SourceUARTRaw:
		return "uart_raw"
	case SourceUARTDecoded:
		return "uart_decoded"
	default:
		return "unknown"
	}
}

// Entry is one diagnostic log record. Payload holds the stored bytes —
// RLE-compressed if Compressed is true, raw otherwise — and RawLen is
// always the original, uncompressed length.
type Entry struct {
	Sequence    uint64
	TimestampMs int64
	Source      Source
	Compressed  bool
	RawLen      int
	Payload     []byte
}

// Decoded returns the entry's original, uncompressed payload.
func (e Entry) Decoded() []byte {
	if !e.Compressed {
		return e.Payload
	}
	return DecodeRLE(e.Payload)
}

// Config configures a Ring.
type Config struct {
	// Clock supplies entry timestamps and sequence numbers. Required.
	Clock *clock.Clock
}

// Ring is a fixed-capacity circular diagnostic log.
type Ring struct {
	clock *clock.Clock

	mu      sync.Mutex
	entries [Capacity]Entry
	next    int
	count   int
	dropped uint64
}

// New creates an empty Ring.
func New(cfg Config) *Ring {
	return &Ring{clock: cfg.Clock}
}

// Append records a new diagnostic entry, overwriting the oldest slot once
// the ring is full. Empty or over-long payloads are rejected and counted
// in Dropped() rather than stored (spec.md §4.8 step 1).
func (r *Ring) Append(source Source, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayloadLen {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return errs.New(errs.InvalidSize, "diagnostic payload must be 1-96 bytes")
	}

	stored := payload
	compressed := false
	if enc := EncodeRLE(payload); len(enc) < len(payload) {
		stored = enc
		compressed = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entry{
		Sequence:    r.clock.NextSequence(),
		TimestampMs: r.clock.NowMillis(),
		Source:      source,
		Compressed:  compressed,
		RawLen:      len(payload),
		Payload:     append([]byte(nil), stored...),
	}

	r.entries[r.next] = e
	r.next = (r.next + 1) % Capacity
	if r.count < Capacity {
		r.count++
	}
	return nil
}

// Dropped returns the number of payloads rejected by Append.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Len returns the number of entries currently stored (≤ Capacity).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Entries returns a copy of every stored entry, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, r.count)
	if r.count < Capacity {
		for i := 0; i < r.count; i++ {
			out = append(out, r.entries[i])
		}
		return out
	}
	for i := 0; i < Capacity; i++ {
		idx := (r.next + i) % Capacity
		out = append(out, r.entries[idx])
	}
	return out
}

// Snapshot is the ring's persisted form (spec.md §4.8: "serialises the
// whole ring snapshot + metadata").
type Snapshot struct {
	Entries []Entry
	Dropped uint64
	SavedAt time.Time
}

// ToSnapshot captures the ring's current contents for persistence.
func (r *Ring) ToSnapshot(savedAt time.Time) Snapshot {
	return Snapshot{Entries: r.Entries(), Dropped: r.Dropped(), SavedAt: savedAt}
}

// Restore replaces the ring's contents with a previously persisted
// snapshot. Entries beyond Capacity are dropped oldest-first, matching the
// overwrite semantics Append would have produced.
func (r *Ring) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = [Capacity]Entry{}
	r.next = 0
	r.count = 0
	r.dropped = snap.Dropped

	start := 0
	if len(snap.Entries) > Capacity {
		start = len(snap.Entries) - Capacity
	}
	for _, e := range snap.Entries[start:] {
		r.entries[r.next] = e
		r.next = (r.next + 1) % Capacity
		if r.count < Capacity {
			r.count++
		}
	}
}
