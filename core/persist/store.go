// Package persist provides the gateway's non-volatile storage: a
// bbolt-backed namespace+key blob store for the diagnostic ring snapshot,
// and a batched flush manager that bounds how often it is written
// (spec.md §4.8).
package persist

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/tinybms/gateway/core/diag"
	"github.com/tinybms/gateway/core/errs"
	"go.etcd.io/bbolt"
)

// SchemaVersion tags the blob format Store writes. Bump it (and the
// encode/decode pair below) on any layout change.
const SchemaVersion = 1

const (
	maxSaveAttempts = 3
	saveBackoffBase = 100 * time.Millisecond
)

// SnapshotKey is the default key diagnostics are stored under within the
// diagnostics bucket.
const SnapshotKey = "diag_ring"

var bucketName = []byte("diagnostics")

const (
	entryHeaderSize = 8 + 8 + 1 + 1 + 2 + 2 // sequence, timestamp, source, compressed, rawLen, payloadLen
	entryBlobSize   = entryHeaderSize + diag.MaxPayloadLen
	headerSize      = 1 + 8 + 8 + 2 // version, dropped, savedAt, count
	snapshotBlobSize = headerSize + diag.Capacity*entryBlobSize
)

// Config configures a Store.
type Config struct {
	// Path is the bbolt database file path.
	Path string

	Logger *slog.Logger
}

// Store is a bbolt-backed namespace(bucket)+key blob store. The gateway
// uses a single bucket ("diagnostics") and a single well-known key per
// persisted subsystem.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the bbolt database at cfg.Path and
// ensures the diagnostics bucket exists.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(cfg.Path, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, "opening persistence database", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.IoFailure, "creating diagnostics bucket", err)
	}

	return &Store{db: db, log: logger.WithGroup("persist")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap under key, retrying up to maxSaveAttempts times with
// exponential back-off (spec.md §4.8: "100 ms × 2^attempt").
func (s *Store) Save(key string, snap diag.Snapshot) error {
	blob := encodeSnapshot(snap)

	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		lastErr = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketName).Put([]byte(key), blob)
		})
		if lastErr == nil {
			return nil
		}
		s.log.Warn("diagnostic snapshot save failed, retrying", "attempt", attempt+1, "error", lastErr)
		if attempt < maxSaveAttempts-1 {
			time.Sleep(saveBackoffBase * time.Duration(1<<uint(attempt)))
		}
	}
	return errs.Wrap(errs.IoFailure, "diagnostic snapshot save failed after retries", lastErr)
}

// Load reads the snapshot stored under key. A missing key returns NotFound
// cleanly. A blob whose size does not match the current schema logs a
// warning and returns a zero-value snapshot with no error — spec.md §4.8:
// "size mismatch on load ⇒ reset with warning" is a clean-slate startup,
// not a failure the caller needs to handle specially.
func (s *Store) Load(key string) (diag.Snapshot, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return diag.Snapshot{}, errs.Wrap(errs.IoFailure, "reading diagnostic snapshot", err)
	}
	if blob == nil {
		return diag.Snapshot{}, errs.New(errs.NotFound, "no diagnostic snapshot stored")
	}
	if len(blob) != snapshotBlobSize {
		s.log.Warn("diagnostic snapshot size mismatch, resetting", "got_bytes", len(blob), "want_bytes", snapshotBlobSize)
		return diag.Snapshot{}, nil
	}
	return decodeSnapshot(blob), nil
}

// encodeSnapshot serialises snap into a fixed-size blob: a short header
// plus diag.Capacity entry slots, every slot always written so the blob
// size never depends on how many entries are actually occupied.
func encodeSnapshot(snap diag.Snapshot) []byte {
	buf := make([]byte, snapshotBlobSize)
	buf[0] = SchemaVersion
	binary.LittleEndian.PutUint64(buf[1:9], snap.Dropped)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(snap.SavedAt.UnixMilli()))

	count := len(snap.Entries)
	if count > diag.Capacity {
		count = diag.Capacity
	}
	binary.LittleEndian.PutUint16(buf[17:19], uint16(count))

	off := headerSize
	for i := 0; i < diag.Capacity; i++ {
		if i < count {
			e := snap.Entries[i]
			binary.LittleEndian.PutUint64(buf[off:off+8], e.Sequence)
			binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(e.TimestampMs))
			buf[off+16] = byte(e.Source)
			if e.Compressed {
				buf[off+17] = 1
			}
			binary.LittleEndian.PutUint16(buf[off+18:off+20], uint16(e.RawLen))
			plen := len(e.Payload)
			if plen > diag.MaxPayloadLen {
				plen = diag.MaxPayloadLen
			}
			binary.LittleEndian.PutUint16(buf[off+20:off+22], uint16(plen))
			copy(buf[off+entryHeaderSize:off+entryHeaderSize+plen], e.Payload[:plen])
		}
		off += entryBlobSize
	}
	return buf
}

func decodeSnapshot(blob []byte) diag.Snapshot {
	dropped := binary.LittleEndian.Uint64(blob[1:9])
	savedAtMs := int64(binary.LittleEndian.Uint64(blob[9:17]))
	count := int(binary.LittleEndian.Uint16(blob[17:19]))

	entries := make([]diag.Entry, 0, count)
	off := headerSize
	for i := 0; i < diag.Capacity; i++ {
		if i < count {
			seq := binary.LittleEndian.Uint64(blob[off : off+8])
			ts := int64(binary.LittleEndian.Uint64(blob[off+8 : off+16]))
			source := diag.Source(blob[off+16])
			compressed := blob[off+17] == 1
			rawLen := int(binary.LittleEndian.Uint16(blob[off+18 : off+20]))
			plen := int(binary.LittleEndian.Uint16(blob[off+20 : off+22]))
			payload := append([]byte(nil), blob[off+entryHeaderSize:off+entryHeaderSize+plen]...)
			entries = append(entries, diag.Entry{
				Sequence:    seq,
				TimestampMs: ts,
				Source:      source,
				Compressed:  compressed,
				RawLen:      rawLen,
				Payload:     payload,
			})
		}
		off += entryBlobSize
	}

	return diag.Snapshot{
		Entries: entries,
		Dropped: dropped,
		SavedAt: time.UnixMilli(savedAtMs),
	}
}
