package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tinybms/gateway/core/clock"
	"github.com/tinybms/gateway/core/diag"
	"github.com/tinybms/gateway/core/errs"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diag.db")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot() diag.Snapshot {
	now := func() int64 { return 1000 }
	c := clock.NewForTesting(now)
	r := diag.New(diag.Config{Clock: c})
	_ = r.Append(diag.SourceUARTRaw, []byte{0xAA, 0x09, 0x02, 0x00, 0x00, 0x9E, 0x44})
	_ = r.Append(diag.SourceUARTDecoded, []byte("hello"))
	return r.ToSnapshot(time.UnixMilli(2000))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := sampleSnapshot()

	if err := s.Save(SnapshotKey, snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(SnapshotKey)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Dropped != snap.Dropped {
		t.Errorf("Dropped = %d, want %d", got.Dropped, snap.Dropped)
	}
	if got.SavedAt.UnixMilli() != snap.SavedAt.UnixMilli() {
		t.Errorf("SavedAt = %v, want %v", got.SavedAt, snap.SavedAt)
	}
	if len(got.Entries) != len(snap.Entries) {
		t.Fatalf("got %d entries, want %d", len(got.Entries), len(snap.Entries))
	}
	for i, e := range snap.Entries {
		g := got.Entries[i]
		if g.Sequence != e.Sequence || g.TimestampMs != e.TimestampMs || g.Source != e.Source ||
			g.Compressed != e.Compressed || g.RawLen != e.RawLen {
			t.Errorf("entry[%d] = %+v, want %+v", i, g, e)
		}
		if string(g.Decoded()) != string(e.Decoded()) {
			t.Errorf("entry[%d] decoded payload = % X, want % X", i, g.Decoded(), e.Decoded())
		}
	}
}

func TestStore_LoadMissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("never_saved")
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("Load() of missing key error = %v, want NotFound", err)
	}
}

func TestStore_LoadSizeMismatchResets(t *testing.T) {
	s := newTestStore(t)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte("corrupt"), []byte{0x01, 0x02, 0x03})
	})
	if err != nil {
		t.Fatalf("seeding corrupt blob: %v", err)
	}

	got, err := s.Load("corrupt")
	if err != nil {
		t.Fatalf("Load() of size-mismatched blob error = %v, want nil (reset with warning)", err)
	}
	if len(got.Entries) != 0 || got.Dropped != 0 {
		t.Errorf("Load() of size-mismatched blob = %+v, want zero-value snapshot", got)
	}
}

func TestStore_SaveOverwritesPreviousValue(t *testing.T) {
	s := newTestStore(t)
	first := sampleSnapshot()
	if err := s.Save(SnapshotKey, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second := first
	second.Dropped = 42
	if err := s.Save(SnapshotKey, second); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := s.Load(SnapshotKey)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Dropped != 42 {
		t.Errorf("Dropped after overwrite = %d, want 42", got.Dropped)
	}
}
