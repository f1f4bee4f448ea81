package persist

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWriteAndFlush(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, Options{}, nil)
	defer e.Close()

	path := filepath.Join(dir, "block.cache")
	var ok atomic.Bool
	e.QueueWrite(path, []byte("translated"), 0, func(success bool) { ok.Store(success) })
	e.Flush()

	if !ok.Load() {
		t.Error("completion callback did not report success")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "translated" {
		t.Errorf("file contents %q, want %q", data, "translated")
	}

	_, completed, failed := e.Stats()
	if completed != 1 || failed != 0 {
		t.Errorf("stats completed=%d failed=%d, want 1, 0", completed, failed)
	}
}

func TestWriteOrdering(t *testing.T) {
	// Two writes to the same offset of the same file: the later submission
	// wins once Flush returns.
	dir := t.TempDir()
	e := NewEngine(dir, Options{}, nil)
	defer e.Close()

	path := filepath.Join(dir, "ordered.cache")
	e.QueueWrite(path, []byte("a"), 0, nil)
	e.QueueWrite(path, []byte("b"), 0, nil)
	e.Flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "b" {
		t.Errorf("file contents %q, want %q", data, "b")
	}
}

func TestOffsetWritePreservesFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, Options{}, nil)
	defer e.Close()

	path := filepath.Join(dir, "patch.cache")
	e.QueueWrite(path, []byte("aaaaaaaa"), 0, nil)
	e.QueueWrite(path, []byte("bb"), 4, nil)
	e.Flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "aaaabbaa" {
		t.Errorf("file contents %q, want %q", data, "aaaabbaa")
	}
}

func TestOffsetWriteCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, Options{}, nil)
	defer e.Close()

	path := filepath.Join(dir, "sub", "fresh.cache")
	e.QueueWrite(path, []byte("xy"), 8, nil)
	e.Flush()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 10 {
		t.Errorf("file size %d, want 10", info.Size())
	}
}

func TestFailedWriteCounted(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, Options{}, nil)
	defer e.Close()

	// A path whose parent is a regular file cannot be created.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var reported atomic.Bool
	var outcome atomic.Bool
	e.QueueWrite(filepath.Join(blocker, "impossible.cache"), []byte("y"), 0, func(ok bool) {
		reported.Store(true)
		outcome.Store(ok)
	})
	e.Flush()

	if !reported.Load() {
		t.Fatal("callback did not fire for a failed write")
	}
	if outcome.Load() {
		t.Error("failed write reported success")
	}
	_, _, failed := e.Stats()
	if failed != 1 {
		t.Errorf("failed count %d, want 1", failed)
	}
}

func TestFlushWithEmptyQueueReturns(t *testing.T) {
	e := NewEngine(t.TempDir(), Options{}, nil)
	defer e.Close()

	done := make(chan struct{})
	go func() {
		e.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Flush with an empty queue did not return")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := NewEngine(t.TempDir(), Options{}, nil)
	e.QueueWrite(filepath.Join(t.TempDir(), "last.cache"), []byte("z"), 0, nil)
	e.Close()
	e.Close()
}

func TestHousekeeping(t *testing.T) {
	dir := t.TempDir()
	// Cap of 1000 bytes; ten 200-byte files with strictly increasing
	// modification times (b0 oldest).
	e := NewEngine(dir, Options{MaxCacheBytes: 1000}, nil)
	defer e.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		path := filepath.Join(dir, names[i])
		if err := os.WriteFile(path, make([]byte, 200), 0o644); err != nil {
			t.Fatal(err)
		}
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatal(err)
		}
	}

	e.ForceMaintenance()

	var total int64
	survivors := map[string]bool{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".cache" {
			continue
		}
		info, _ := entry.Info()
		total += info.Size()
		survivors[entry.Name()] = true
	}

	// Total 2000 > cap 1000: prune to 80% of the cap, oldest first.
	if total > 800 {
		t.Errorf("post-housekeeping total %d, want <= 800", total)
	}
	for i := 0; i < 6; i++ {
		if survivors[names[i]] {
			t.Errorf("old file %s survived", names[i])
		}
	}
	for i := 6; i < 10; i++ {
		if !survivors[names[i]] {
			t.Errorf("recent file %s was removed", names[i])
		}
	}
}

func TestHousekeepingUnderCapIsNoop(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, Options{MaxCacheBytes: 1 << 20}, nil)
	defer e.Close()

	path := filepath.Join(dir, "small.cache")
	os.WriteFile(path, make([]byte, 100), 0o644)
	e.ForceMaintenance()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("file under the cap was removed: %v", err)
	}
}

var names = []string{
	"b0.cache", "b1.cache", "b2.cache", "b3.cache", "b4.cache",
	"b5.cache", "b6.cache", "b7.cache", "b8.cache", "b9.cache",
}
