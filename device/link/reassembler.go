package link

import (
	"log/slog"
	"sync/atomic"

	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/errs"
)

// MaxBufferLen is the reassembler's rolling-buffer ceiling (spec.md §4.3:
// "up-to-128-byte rolling buffer"). A buffer that grows past this without
// yielding a valid frame is reset rather than grown further. It matches
// codec.MaxVendorFrameLen: no valid frame can ever be larger than the
// buffer that has to hold it.
const MaxBufferLen = codec.MaxVendorFrameLen

// Reassembler turns a byte stream with partial reads and occasional garbage
// into a sequence of complete, CRC-valid vendor frames. It never blocks: a
// buffer that can't yet produce a frame is held until Feed is called again
// with more bytes.
type Reassembler struct {
	buf []byte
	log *slog.Logger

	headerErrors atomic.Uint64
	lengthErrors atomic.Uint64
	crcErrors    atomic.Uint64
}

// NewReassembler creates an empty Reassembler.
func NewReassembler(log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{log: log}
}

// Feed appends chunk to the internal buffer and extracts every complete
// frame it can. Bytes that don't yet form a frame are retained for the next
// call. A garbage lead byte, an over-long claimed length, or a CRC-rejected
// frame is resynchronised by dropping exactly the bytes
// codec.ParseVendorFrame says to drop (spec.md §4.3 steps a/c/e); this
// never discards a byte that might still be the start of the next valid
// frame. An incomplete frame at the front is given up when a later start
// byte in the buffer already holds a complete, CRC-valid frame.
func (r *Reassembler) Feed(chunk []byte) []codec.VendorFrame {
	r.buf = append(r.buf, chunk...)

	var frames []codec.VendorFrame
	for len(r.buf) > 0 {
		frame, consumed, err := codec.ParseVendorFrame(r.buf)
		if err != nil {
			if consumed == 0 {
				// The incomplete frame may start at a spurious start byte in
				// garbage: resync to a later complete, CRC-valid frame if any.
				next := 0
				for i := 1; i < len(r.buf) && next == 0; i++ {
					if _, _, perr := codec.ParseVendorFrame(r.buf[i:]); perr == nil {
						next = i
					}
				}
				if next == 0 {
					break // incomplete: wait for more bytes
				}
				r.headerErrors.Add(1)
				r.buf = r.buf[next:]
				continue
			}
			switch {
			case errs.Is(err, errs.InvalidCrc):
				r.crcErrors.Add(1)
			case errs.Is(err, errs.InvalidSize):
				// Only the over-long-claimed-length case reaches here with
				// consumed != 0; genuinely incomplete frames returned
				// consumed == 0 above and never get classified.
				r.lengthErrors.Add(1)
			default:
				r.headerErrors.Add(1)
			}
			r.buf = r.buf[consumed:]
			continue
		}
		frames = append(frames, frame)
		r.buf = r.buf[consumed:]
	}

	if len(r.buf) > MaxBufferLen {
		r.log.Warn("reassembler buffer overflow, resetting", "buffered", len(r.buf))
		r.buf = nil
	}
	return frames
}

// Reset discards any buffered, not-yet-framed bytes. Used when the arbiter
// flushes the input before a command write (spec.md §4.4 step 3).
func (r *Reassembler) Reset() {
	r.buf = nil
}

// ErrorCounts returns the number of header/garbage resyncs, over-long
// claimed-length resyncs, and CRC rejections observed since the
// Reassembler was created.
func (r *Reassembler) ErrorCounts() (headerErrors, lengthErrors, crcErrors uint64) {
	return r.headerErrors.Load(), r.lengthErrors.Load(), r.crcErrors.Load()
}
