package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/zboralski/arcross/internal/arena"
)

func testHost(code []byte) (HostSource, arena.Offset) {
	a := arena.New(1 << 16)
	off, _ := a.Append(code)
	return a.Bytes, off
}

func TestStoreThenLookupTier1(t *testing.T) {
	c := New(t.TempDir(), 0, nil, nil)
	c.RegisterBinary("bin", 0x1234)

	guest := []byte{0x90, 0xC3}
	hostCode := []byte{0x1F, 0x20, 0x03, 0xD5}
	_, off := testHost(hostCode)

	c.Store("bin", 0x1000, guest, off, len(hostCode))

	res, err := c.Lookup("bin", 0x1000, guest, nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Tier != Tier1 {
		t.Fatalf("tier = %v, want L1", res.Tier)
	}
	if res.Entry.HostSize != uint32(len(hostCode)) || res.Entry.HostOff != off {
		t.Errorf("entry fields wrong: %+v", res.Entry)
	}
	if res.Entry.AccessCount != 2 {
		t.Errorf("access count %d, want 2 (store + hit)", res.Entry.AccessCount)
	}

	stats := c.GetStats()
	if stats.L1Hits != 1 || stats.Entries != 1 {
		t.Errorf("stats %+v, want one L1 hit, one entry", stats)
	}
}

func TestLookupMissOnChangedBytes(t *testing.T) {
	c := New(t.TempDir(), 0, nil, nil)
	c.RegisterBinary("bin", 0)

	c.Store("bin", 0x1000, []byte{0x90, 0xC3}, 0, 4)

	// Same address, different bytes: the fingerprint no longer matches.
	res, _ := c.Lookup("bin", 0x1000, []byte{0x90, 0x90, 0xC3}, nil)
	if res.Tier != TierNone {
		t.Errorf("stale fingerprint returned tier %v, want miss", res.Tier)
	}
}

func TestHotPromotion(t *testing.T) {
	c := New(t.TempDir(), 0, nil, nil)
	c.RegisterBinary("bin", 0)

	guest := []byte{0xC3}
	c.Store("bin", 0x40, guest, 0, 8)

	// Store counts as the first access; ten lookups push the counter past
	// the threshold.
	var last Result
	for i := 0; i < 10; i++ {
		last, _ = c.Lookup("bin", 0x40, guest, nil)
	}
	if !last.Entry.Hot {
		t.Errorf("entry not hot after %d accesses", last.Entry.AccessCount)
	}
	if last.Entry.AccessCount != 11 {
		t.Errorf("access count %d, want 11", last.Entry.AccessCount)
	}
}

func TestEvictionPolicy(t *testing.T) {
	c := New(t.TempDir(), 4, nil, nil)
	c.RegisterBinary("bin", 0)

	guest := func(i int) []byte { return []byte{byte(i), 0xC3} }

	// Fill tier 1, then make entry 0 hot.
	for i := 0; i < 4; i++ {
		c.Store("bin", uint64(0x100+i), guest(i), 0, 4)
	}
	for j := 0; j < 11; j++ {
		c.Lookup("bin", 0x100, guest(0), nil)
	}

	// Entry 1 is now the coldest non-hot entry; a fifth insert evicts it.
	c.Store("bin", 0x900, []byte{0x90, 0x90, 0xC3}, 0, 4)

	if res, _ := c.Lookup("bin", 0x101, guest(1), nil); res.Tier != TierNone {
		t.Error("LRU cold entry survived eviction")
	}
	if res, _ := c.Lookup("bin", 0x100, guest(0), nil); res.Tier != Tier1 {
		t.Error("hot entry was evicted while cold entries existed")
	}
}

func TestEvictionAllHot(t *testing.T) {
	c := New(t.TempDir(), 2, nil, nil)
	c.RegisterBinary("bin", 0)

	a, b := []byte{0x01, 0xC3}, []byte{0x02, 0xC3}
	c.Store("bin", 0x1, a, 0, 4)
	c.Store("bin", 0x2, b, 0, 4)
	for j := 0; j < 11; j++ {
		c.Lookup("bin", 0x1, a, nil)
		c.Lookup("bin", 0x2, b, nil)
	}

	// Both hot; inserting evicts the LRU (0x1 was touched before 0x2).
	c.Store("bin", 0x3, []byte{0x03, 0xC3}, 0, 4)

	if res, _ := c.Lookup("bin", 0x1, a, nil); res.Tier != TierNone {
		t.Error("all-hot eviction did not remove the LRU entry")
	}
	if res, _ := c.Lookup("bin", 0x2, b, nil); res.Tier != Tier1 {
		t.Error("all-hot eviction removed the wrong entry")
	}
}

func TestEvictionFairnessAtFullCapacity(t *testing.T) {
	// Over-filling a default-sized tier 1 without re-access leaves
	// exactly MaxL1 entries, the most recent ones.
	c := New(t.TempDir(), 0, nil, nil)
	c.RegisterBinary("bin", 0)

	const inserts = DefaultMaxL1 + 100
	for i := 0; i < inserts; i++ {
		code := binary.LittleEndian.AppendUint32(nil, uint32(i))
		c.Store("bin", uint64(0x10000+i), append(code, 0xC3), 0, 4)
	}

	if got := c.GetStats().Entries; got != DefaultMaxL1 {
		t.Fatalf("tier-1 holds %d entries, want %d", got, DefaultMaxL1)
	}

	// The first 100 insertions were the LRU cold entries and must be gone.
	for _, i := range []int{0, 50, 99} {
		code := binary.LittleEndian.AppendUint32(nil, uint32(i))
		res, _ := c.Lookup("bin", uint64(0x10000+i), append(code, 0xC3), nil)
		if res.Tier != TierNone {
			t.Errorf("insertion %d survived, want evicted", i)
		}
	}
	code := binary.LittleEndian.AppendUint32(nil, uint32(inserts-1))
	if res, _ := c.Lookup("bin", uint64(0x10000+inserts-1), append(code, 0xC3), nil); res.Tier != Tier1 {
		t.Error("most recent insertion missing from tier 1")
	}
}

func TestCheckpointAndTier2Promote(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil, nil)
	c.RegisterBinary("bin", 0xFEED)

	guest := []byte{0x89, 0xC3, 0x01, 0xC3, 0xC3}
	hostCode := []byte{0xE0, 0x03, 0x00, 0xAA, 0x00, 0x00, 0x01, 0x8B}
	host, off := testHost(hostCode)

	c.Store("bin", 0x1000, guest, off, len(hostCode))
	if !c.Dirty("bin") {
		t.Error("store did not mark the binary dirty")
	}

	if err := c.Checkpoint("bin", host); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if c.Dirty("bin") {
		t.Error("checkpoint left the binary dirty")
	}

	// Drop tier 1: the next lookup must come from disk and repopulate.
	c.ClearL1()

	homed := arena.New(1 << 10)
	res, err := c.Lookup("bin", 0x1000, guest, homed.Append)
	if err != nil {
		t.Fatalf("tier-2 lookup: %v", err)
	}
	if res.Tier != Tier2 {
		t.Fatalf("tier = %v, want L2", res.Tier)
	}
	if !bytes.Equal(res.HostCode, hostCode) {
		t.Errorf("tier-2 payload = %x, want %x", res.HostCode, hostCode)
	}
	if !bytes.Equal(homed.Bytes(res.Entry.HostOff, len(hostCode)), hostCode) {
		t.Error("payload not re-homed into the arena")
	}

	// Promotion repopulated tier 1.
	if res, _ := c.Lookup("bin", 0x1000, guest, nil); res.Tier != Tier1 {
		t.Errorf("after promotion tier = %v, want L1", res.Tier)
	}
}

func TestPersistRoundTripAcrossInstances(t *testing.T) {
	// A rebuilt cache sees every persisted block as a tier-2 hit with
	// the original host bytes.
	dir := t.TempDir()
	first := New(dir, 0, nil, nil)
	first.RegisterBinary("bin", 0xABCD)

	a := arena.New(1 << 12)
	type block struct {
		addr  uint64
		guest []byte
		host  []byte
	}
	var blocks []block
	for i := 0; i < 5; i++ {
		guest := []byte{byte(0x10 + i), 0xC3}
		host := bytes.Repeat([]byte{byte(i + 1)}, 4*(i+1))
		off, _ := a.Append(host)
		first.Store("bin", uint64(0x2000+i*16), guest, off, len(host))
		blocks = append(blocks, block{uint64(0x2000 + i*16), guest, host})
	}
	if err := first.Checkpoint("bin", a.Bytes); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	second := New(dir, 0, nil, nil)
	second.RegisterBinary("bin", 0xABCD)
	for _, b := range blocks {
		res, err := second.Lookup("bin", b.addr, b.guest, nil)
		if err != nil {
			t.Fatalf("lookup %#x: %v", b.addr, err)
		}
		if res.Tier != Tier2 {
			t.Fatalf("block %#x: tier %v, want L2", b.addr, res.Tier)
		}
		if !bytes.Equal(res.HostCode, b.host) {
			t.Errorf("block %#x: payload %x, want %x", b.addr, res.HostCode, b.host)
		}
	}
}

func TestIntegrityRejection(t *testing.T) {
	// Corrupted magic, version or fingerprint is a miss and the file
	// is never modified.
	for _, corrupt := range []struct {
		name   string
		offset int64
	}{
		{"magic", 0},
		{"version", 8},
		{"fingerprint", 16},
	} {
		t.Run(corrupt.name, func(t *testing.T) {
			dir := t.TempDir()
			c := New(dir, 0, nil, nil)
			c.RegisterBinary("bin", 0x77)

			guest := []byte{0x90, 0xC3}
			host, off := testHost([]byte{1, 2, 3, 4})
			c.Store("bin", 0x10, guest, off, 4)
			if err := c.Checkpoint("bin", host); err != nil {
				t.Fatalf("checkpoint: %v", err)
			}

			path := c.FilePath("bin")
			f, err := os.OpenFile(path, os.O_RDWR, 0o644)
			if err != nil {
				t.Fatal(err)
			}
			f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, corrupt.offset)
			f.Close()

			before, _ := os.ReadFile(path)

			c.ClearL1()
			res, _ := c.Lookup("bin", 0x10, guest, nil)
			if res.Tier != TierNone {
				t.Errorf("corrupted %s still hit tier %v", corrupt.name, res.Tier)
			}

			after, _ := os.ReadFile(path)
			if !bytes.Equal(before, after) {
				t.Errorf("corrupted %s file was modified by the lookup", corrupt.name)
			}
		})
	}
}

func TestTier2HitUpdatesCountersInPlace(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil, nil)
	c.RegisterBinary("bin", 0x55)

	guest := []byte{0x90, 0xC3}
	host, off := testHost([]byte{9, 9, 9, 9})
	c.Store("bin", 0x800, guest, off, 4)
	if err := c.Checkpoint("bin", host); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	path := c.FilePath("bin")
	sizeBefore, _ := os.Stat(path)

	c.ClearL1()
	if res, _ := c.Lookup("bin", 0x800, guest, nil); res.Tier != Tier2 {
		t.Fatal("expected a tier-2 hit")
	}

	sizeAfter, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if sizeBefore.Size() != sizeAfter.Size() {
		t.Errorf("in-place update changed the file size: %d -> %d", sizeBefore.Size(), sizeAfter.Size())
	}

	data, _ := os.ReadFile(path)
	h := decodeHeader(data[:headerSize])
	if h.HitCount != 1 {
		t.Errorf("header hit count %d, want 1", h.HitCount)
	}
	e := decodeEntry(data[headerSize : headerSize+entrySize])
	if e.ExecCount != 2 {
		t.Errorf("entry exec count %d, want 2 (checkpointed 1 + hit)", e.ExecCount)
	}
}

func TestLookupUnknownBinaryIsMiss(t *testing.T) {
	c := New(t.TempDir(), 0, nil, nil)
	res, err := c.Lookup("nobody", 0x1, []byte{0xC3}, nil)
	if err != nil || res.Tier != TierNone {
		t.Errorf("unknown binary: tier %v err %v, want miss", res.Tier, err)
	}
}

func TestCheckpointUnknownBinary(t *testing.T) {
	c := New(t.TempDir(), 0, nil, nil)
	if err := c.Checkpoint("nobody", func(arena.Offset, int) []byte { return nil }); err == nil {
		t.Error("checkpoint for an unregistered binary succeeded")
	}
}

func TestClearResetsStats(t *testing.T) {
	c := New(t.TempDir(), 0, nil, nil)
	c.RegisterBinary("bin", 0)
	c.Store("bin", 0x1, []byte{0xC3}, 0, 1)
	c.Lookup("bin", 0x1, []byte{0xC3}, nil)
	c.Lookup("bin", 0x2, []byte{0xC3}, nil)

	c.Clear()
	stats := c.GetStats()
	if stats != (Stats{}) {
		t.Errorf("stats after clear: %+v, want zeros", stats)
	}
}

func TestFilePathNaming(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil, nil)
	id := fmt.Sprintf("%x_%d", uint64(0xDEADBEEF), 1)
	c.RegisterBinary(id, 0)
	want := dir + string(os.PathSeparator) + id + ".cache"
	if got := c.FilePath(id); got != want {
		t.Errorf("cache path %q, want %q", got, want)
	}
}
