package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestSetAndGet(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	if err := db.Set("foo", "bar"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if val, err := db.Get("foo"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if val != "bar" {
		t.Errorf("expected 'bar', got '%s'", val)
	}
}

func TestOverwrite(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("key", "first")
	_ = db.Set("key", "second")

	if val, err := db.Get("key"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if val != "second" {
		t.Errorf("expected 'second', got '%s'", val)
	}
}

func TestKeyNotFound(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	if _, err := db.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("a", "1")
	_ = db.Set("b", "2")

	if existed, err := db.Delete("a"); err != nil || !existed {
		t.Fatalf("Delete(a) = %v, %v; want true", existed, err)
	}
	if _, err := db.Get("a"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected a to be absent, got %v", err)
	}
	if existed, err := db.Delete("a"); err != nil || existed {
		t.Errorf("second Delete(a) = %v, %v; want false", existed, err)
	}

	// unrelated key is untouched
	if val, err := db.Get("b"); err != nil || val != "2" {
		t.Errorf("expected b=2, got %q, %v", val, err)
	}
}

func TestPersistence(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("a", "1")
	_ = db.Set("b", "2")
	_ = db.Close()

	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	if val, err := db2.Get("a"); err != nil || val != "1" {
		t.Errorf("expected a=1 after reopen, got %q, %v", val, err)
	}
	if val, err := db2.Get("b"); err != nil || val != "2" {
		t.Errorf("expected b=2 after reopen, got %q, %v", val, err)
	}
}

func TestDeletePersists(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("k", "v")
	if existed, _ := db.Delete("k"); !existed {
		t.Fatal("Delete returned false")
	}
	_ = db.Close()

	// the tombstone record must keep the key dead after a rebuild
	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	if _, err := db2.Get("k"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("deleted key resurrected after reopen: %v", err)
	}
}

func TestLoadIndexOverwrite(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("foo", "first")
	_ = db.Set("foo", "second")
	_ = db.Close()

	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	if val, err := db2.Get("foo"); err != nil || val != "second" {
		t.Errorf("wanted final 'second', got %q", val)
	}
}

func TestManyKeys(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	for i := 0; i < 1000; i++ {
		k, v := fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i)
		_ = db.Set(k, v)
	}

	for i := 0; i < 1000; i++ {
		k, want := fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i)
		if got, err := db.Get(k); err != nil || got != want {
			t.Errorf("Get %q = %q, %v; want %q", k, got, err, want)
		}
	}
}

func TestRotationOnSizeThreshold(t *testing.T) {
	// each record is 16B header + 2B key + 20B value = 38 bytes, so
	// a 64-byte limit fits exactly one record per segment
	db, dir, _ := SetupTempDB(t, WithMaxFileSize(64), WithMergeEnabled(false))

	val := strings.Repeat("v", 20)
	_ = db.Set("k1", val)
	_ = db.Set("k2", val)
	_ = db.Set("k3", val)

	ids, err := listSegmentIDs(dir, dataSuffix)
	if err != nil {
		t.Fatalf("listSegmentIDs: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected at least 2 data segments, got %v", ids)
	}

	// the directory points the newest key at the active segment
	entry, ok := db.keydir.get("k3")
	if !ok {
		t.Fatal("k3 missing from directory")
	}
	if want := segmentName(slices.Max(ids), dataSuffix); entry.Segment != want {
		t.Errorf("k3 entry in %s, want %s", entry.Segment, want)
	}

	// every key remains readable across the rotation
	for _, k := range []string{"k1", "k2", "k3"} {
		if got, err := db.Get(k); err != nil || got != val {
			t.Errorf("Get %q = %q, %v", k, got, err)
		}
	}
}

func TestGetLatestWinsAcrossSegments(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMaxFileSize(1), WithMergeEnabled(false)) // force a new segment per write

	_ = db.Set("k", "v1")
	_ = db.Set("k", "v2")

	out, _ := db.Get("k")
	if out != "v2" {
		t.Fatalf("want v2, got %q", out)
	}
}

func TestRestartAfterRotation(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMaxFileSize(64), WithMergeEnabled(false))

	val := strings.Repeat("v", 20)
	_ = db.Set("k1", val)
	_ = db.Set("k2", val)
	_ = db.Set("k3", val)
	_ = db.Close()

	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	for _, k := range []string{"k1", "k2", "k3"} {
		if got, err := db2.Get(k); err != nil || got != val {
			t.Errorf("Get %q after restart = %q, %v", k, got, err)
		}
	}
}

func TestMissingHintNonTailFatal(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMaxFileSize(1), WithMergeEnabled(false))

	_ = db.Set("a", "1") // 0.data
	_ = db.Set("b", "2") // 1.data
	_ = db.Set("c", "3") // 2.data
	_ = db.Close()

	if err := os.Remove(filepath.Join(dir, segmentName(0, hintSuffix))); err != nil {
		t.Fatalf("remove hint: %v", err)
	}

	if _, err := Open(dir, WithMergeEnabled(false)); !errors.Is(err, ErrMissingHint) {
		t.Fatalf("expected ErrMissingHint, got %v", err)
	}
}

func TestMissingHintTailScansData(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMaxFileSize(1), WithMergeEnabled(false))

	_ = db.Set("a", "1")
	_ = db.Set("b", "2")
	_ = db.Set("c", "3")
	_ = db.Close()

	tail := slices.Max(mustListData(t, dir))
	if err := os.Remove(filepath.Join(dir, segmentName(tail, hintSuffix))); err != nil {
		t.Fatalf("remove hint: %v", err)
	}

	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen without tail hint: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		if got, err := db2.Get(k); err != nil || got != want {
			t.Errorf("Get %q = %q, %v; want %q", k, got, err, want)
		}
	}
}

func TestCrashMidAppendRepaired(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("a", "1")
	_ = db.Set("b", "2")
	_ = db.Close()

	// simulate a crash mid-append: garbage half-record at the tail,
	// no hint entry for it
	tail := slices.Max(mustListData(t, dir))
	if err := os.Remove(filepath.Join(dir, segmentName(tail, hintSuffix))); err != nil {
		t.Fatalf("remove hint: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, segmentName(tail, dataSuffix)), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open data: %v", err)
	}
	partial := encodeData(9, "ghost", "value")
	if _, err := f.Write(partial[:hdrLen/2]); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = f.Close()

	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen after partial append: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	if got, err := db2.Get("a"); err != nil || got != "1" {
		t.Errorf("Get a = %q, %v", got, err)
	}
	if got, err := db2.Get("b"); err != nil || got != "2" {
		t.Errorf("Get b = %q, %v", got, err)
	}
	if _, err := db2.Get("ghost"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("partial record got indexed: %v", err)
	}
}

func TestCorruptRecordSurfacedOnGet(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithMergeEnabled(false))

	_ = db.Set("k", "value")

	entry, ok := db.keydir.get("k")
	if !ok {
		t.Fatal("k missing from directory")
	}

	// flip one byte of the stored value on disk
	path := filepath.Join(dir, entry.Segment)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteAt([]byte{'X'}, entry.Offset+int64(entry.Size)-1); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_ = f.Close()

	if _, err := db.Get("k"); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}

	// the entry is left in place so an operator can diagnose
	if _, ok := db.keydir.get("k"); !ok {
		t.Error("directory entry evicted on corrupt read")
	}
}

func TestNextIDSkipsGaps(t *testing.T) {
	dir := t.TempDir()

	// pre-seed empty segment pairs with gappy ids
	for _, id := range []int{5, 9} {
		for _, suffix := range []string{dataSuffix, hintSuffix} {
			if err := os.WriteFile(filepath.Join(dir, segmentName(id, suffix)), nil, 0o644); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}

	db, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close() // nolint:errcheck

	if err := db.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}

	ids := mustListData(t, dir)
	if max := slices.Max(ids); max != 10 {
		t.Fatalf("expected new segment id 10, got ids %v", ids)
	}
}

func TestKeyCount(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	if got := db.KeyCount(); got != 0 {
		t.Fatalf("empty db KeyCount = %d", got)
	}

	_ = db.Set("a", "1")
	_ = db.Set("b", "2")
	_ = db.Set("a", "3") // overwrite, not a new key

	if got := db.KeyCount(); got != 2 {
		t.Errorf("KeyCount = %d, want 2", got)
	}

	_, _ = db.Delete("a")
	if got := db.KeyCount(); got != 1 {
		t.Errorf("KeyCount after delete = %d, want 1", got)
	}
}

func TestDiskSizeGrows(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithMergeEnabled(false))

	before, err := db.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize: %v", err)
	}

	_ = db.Set("key", strings.Repeat("v", 100))

	after, err := db.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize: %v", err)
	}
	if after <= before {
		t.Errorf("disk size did not grow: before=%d after=%d", before, after)
	}
}

func TestFsyncEnabled(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithFsync(true), WithMergeEnabled(false))

	_ = db.Set("durable", "yes")
	_ = db.Close()

	db2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	if got, err := db2.Get("durable"); err != nil || got != "yes" {
		t.Errorf("Get durable = %q, %v", got, err)
	}
}

func mustListData(t *testing.T, dir string) []int {
	t.Helper()
	ids, err := listSegmentIDs(dir, dataSuffix)
	if err != nil {
		t.Fatalf("listSegmentIDs: %v", err)
	}
	return ids
}
