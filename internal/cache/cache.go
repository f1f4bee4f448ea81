// Package cache implements the two-tier translation cache: an in-memory
// LRU tier with hotness-aware eviction, backed by one persistent cache file
// per loaded binary.
//
// Tier-1 state is guarded by a single mutex held only for in-memory
// mutations, checkpoint serialisation and stats. Tier-2 file I/O runs
// outside the mutex using immutable descriptors (the path and expected
// fingerprint registered for a binary).
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/arena"
	"github.com/zboralski/arcross/internal/log"
	"github.com/zboralski/arcross/internal/persist"
	"github.com/zboralski/arcross/internal/xxh"
)

// HotThreshold is the access count beyond which an entry counts as hot.
const HotThreshold = 10

// DefaultMaxL1 is the tier-1 capacity in entries.
const DefaultMaxL1 = 1024

// Tier identifies where a lookup was satisfied.
type Tier int

// Lookup outcomes.
const (
	TierNone Tier = iota
	Tier1
	Tier2
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "L1"
	case Tier2:
		return "L2"
	default:
		return "miss"
	}
}

// Entry is one tier-1 cache record. Entries are value types: callers get
// copies, the cache owns its storage, the arena owns the host bytes.
type Entry struct {
	GuestAddr   uint64
	HostOff     arena.Offset
	GuestSize   uint32
	HostSize    uint32
	Fingerprint uint64
	LastAccess  time.Time
	AccessCount uint32
	Hot         bool
	Flags       uint32
}

// Result is the outcome of a Lookup. HostCode is set on a tier-2 hit and
// holds the payload read from disk.
type Result struct {
	Tier     Tier
	Entry    Entry
	HostCode []byte
}

// HomeFunc places a tier-2 payload into host memory and returns its arena
// offset. It is called outside the cache mutex.
type HomeFunc func(hostCode []byte) (arena.Offset, error)

// HostSource resolves an entry's host bytes during a checkpoint.
type HostSource func(off arena.Offset, n int) []byte

// Stats is a snapshot of cache counters.
type Stats struct {
	L1Hits  uint64
	L2Hits  uint64
	Misses  uint64
	Entries int
}

type binaryFile struct {
	path string
	fp   uint64
}

// Cache is the two-tier translation cache.
type Cache struct {
	mu    sync.Mutex
	l1    []Entry // index 0 is MRU, last is LRU
	maxL1 int

	dir    string
	files  map[string]binaryFile // binary id -> tier-2 descriptor
	dirty  map[string]bool       // binaries with tier-1 state not yet persisted
	engine *persist.Engine       // optional; nil means synchronous checkpoints

	l1Hits uint64
	l2Hits uint64
	misses uint64

	log *log.Logger
}

// New creates a cache rooted at dir. maxL1 <= 0 selects DefaultMaxL1. The
// engine may be nil, in which case checkpoints write synchronously.
func New(dir string, maxL1 int, engine *persist.Engine, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNop()
	}
	if maxL1 <= 0 {
		maxL1 = DefaultMaxL1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("cannot create cache directory", log.Path(dir), log.Err(err))
	}
	return &Cache{
		maxL1:  maxL1,
		dir:    dir,
		files:  make(map[string]binaryFile),
		dirty:  make(map[string]bool),
		engine: engine,
		log:    logger,
	}
}

// RegisterBinary maps a binary id to its cache file and records the binary
// fingerprint used for tier-2 integrity checks.
func (c *Cache) RegisterBinary(id string, binaryFP uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[id] = binaryFile{
		path: filepath.Join(c.dir, id+".cache"),
		fp:   binaryFP,
	}
}

// FilePath returns the cache file path registered for a binary id.
func (c *Cache) FilePath(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[id].path
}

// Lookup searches tier 1 and then the binary's tier-2 file for the block at
// guestAddr whose bytes hash to the same fingerprint as guestCode.
//
// On a tier-2 hit the payload is re-homed through home (when non-nil) and
// the entry is promoted into tier 1. The only error Lookup returns is a
// re-homing failure; tier-2 read and integrity problems silently degrade to
// a miss.
func (c *Cache) Lookup(binaryID string, guestAddr uint64, guestCode []byte, home HomeFunc) (Result, error) {
	fp := xxh.Sum64(guestCode, 0)

	c.mu.Lock()
	if i := c.findL1(guestAddr, fp); i >= 0 {
		c.touch(i)
		entry := c.l1[0]
		c.l1Hits++
		c.mu.Unlock()
		return Result{Tier: Tier1, Entry: entry}, nil
	}
	desc, haveFile := c.files[binaryID]
	c.mu.Unlock()

	if haveFile {
		if fe, hostCode, ok := c.probeL2(desc, guestAddr, fp); ok {
			entry := Entry{
				GuestAddr:   guestAddr,
				GuestSize:   fe.GuestSize,
				HostSize:    fe.HostSize,
				Fingerprint: fp,
				Flags:       fe.Flags,
			}
			if home != nil {
				off, err := home(hostCode)
				if err != nil {
					return Result{}, fmt.Errorf("re-home tier-2 block %s: %w", log.Hex(guestAddr), err)
				}
				entry.HostOff = off
			}

			c.mu.Lock()
			c.promote(entry)
			c.l2Hits++
			c.mu.Unlock()
			return Result{Tier: Tier2, Entry: entry, HostCode: hostCode}, nil
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return Result{Tier: TierNone}, nil
}

// Store records a freshly translated block in tier 1 and marks the binary
// dirty so the next checkpoint persists it.
func (c *Cache) Store(binaryID string, guestAddr uint64, guestCode []byte, hostOff arena.Offset, hostLen int) {
	entry := Entry{
		GuestAddr:   guestAddr,
		HostOff:     hostOff,
		GuestSize:   uint32(len(guestCode)),
		HostSize:    uint32(hostLen),
		Fingerprint: xxh.Sum64(guestCode, 0),
		LastAccess:  time.Now(),
		AccessCount: 1,
	}

	c.mu.Lock()
	c.insert(entry)
	c.dirty[binaryID] = true
	c.mu.Unlock()

	c.log.Debug("stored translation",
		log.Addr(guestAddr),
		log.Fingerprint(entry.Fingerprint),
		zap.Int("host_bytes", hostLen),
	)
}

// findL1 returns the index of the entry matching (guestAddr, fp), or -1.
// Caller holds the mutex.
func (c *Cache) findL1(guestAddr, fp uint64) int {
	for i := range c.l1 {
		if c.l1[i].GuestAddr == guestAddr && c.l1[i].Fingerprint == fp {
			return i
		}
	}
	return -1
}

// touch updates access state for the entry at index i and moves it to the
// MRU position. Caller holds the mutex.
func (c *Cache) touch(i int) {
	e := c.l1[i]
	e.LastAccess = time.Now()
	e.AccessCount++
	e.Hot = e.AccessCount > HotThreshold

	copy(c.l1[1:i+1], c.l1[0:i])
	c.l1[0] = e
}

// promote inserts a tier-2 entry into tier 1 with a fresh access history.
// Caller holds the mutex.
func (c *Cache) promote(e Entry) {
	e.LastAccess = time.Now()
	e.AccessCount = 1
	e.Hot = false
	c.insert(e)
}

// insert places e at the MRU position, evicting if tier 1 is full: the
// least-recent cold entry goes first, the unconditional LRU when every
// entry is hot. Caller holds the mutex.
func (c *Cache) insert(e Entry) {
	if i := c.findL1(e.GuestAddr, e.Fingerprint); i >= 0 {
		old := c.l1[i]
		e.AccessCount = old.AccessCount + 1
		e.Hot = e.AccessCount > HotThreshold
		e.LastAccess = time.Now()
		copy(c.l1[1:i+1], c.l1[0:i])
		c.l1[0] = e
		return
	}

	if len(c.l1) >= c.maxL1 {
		victim := -1
		for i := len(c.l1) - 1; i >= 0; i-- {
			if !c.l1[i].Hot {
				victim = i
				break
			}
		}
		if victim < 0 {
			victim = len(c.l1) - 1
		}
		c.l1 = append(c.l1[:victim], c.l1[victim+1:]...)
	}

	c.l1 = append(c.l1, Entry{})
	copy(c.l1[1:], c.l1[0:])
	c.l1[0] = e
}

// probeL2 searches the tier-2 file for (guestAddr, fp) and returns the
// matching record plus its payload. Runs without the cache mutex. All
// failures are logged and reported as a miss; an integrity failure never
// modifies the file.
func (c *Cache) probeL2(desc binaryFile, guestAddr, fp uint64) (fileEntry, []byte, bool) {
	f, err := os.Open(desc.path)
	if err != nil {
		return fileEntry{}, nil, false
	}
	defer f.Close()

	header, err := readValidHeader(f, desc.fp)
	if err != nil {
		c.log.Warn("tier-2 cache rejected", log.Path(desc.path), log.Err(err))
		return fileEntry{}, nil, false
	}

	entries, err := readEntries(f, header.EntryCount)
	if err != nil {
		c.log.Warn("tier-2 cache unreadable", log.Path(desc.path), log.Err(err))
		return fileEntry{}, nil, false
	}

	for i, fe := range entries {
		if fe.GuestAddr != guestAddr || fe.GuestFP != fp {
			continue
		}

		hostCode := make([]byte, fe.HostSize)
		payloadOff := dataStart(header.EntryCount) + int64(fe.HostOffset)
		if _, err := f.ReadAt(hostCode, payloadOff); err != nil {
			c.log.Warn("tier-2 payload unreadable", log.Path(desc.path), log.Err(err))
			return fileEntry{}, nil, false
		}

		c.updateL2InPlace(desc.path, header, fe, i)
		return fe, hostCode, true
	}

	return fileEntry{}, nil, false
}

// updateL2InPlace bumps the on-disk hit counters after a tier-2 hit. The
// updates are advisory: they race with concurrent checkpoints and their
// loss is acceptable, so failures are only logged.
func (c *Cache) updateL2InPlace(path string, header fileHeader, fe fileEntry, index int) {
	now := uint64(time.Now().UnixNano())
	header.HitCount++
	header.LastAccess = now
	fe.ExecCount++
	fe.LastExec = now

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		c.log.Debug("tier-2 counter update skipped", log.Path(path), log.Err(err))
		return
	}
	defer f.Close()

	if _, err := f.WriteAt(encodeHeader(header), 0); err != nil {
		c.log.Debug("tier-2 header update failed", log.Path(path), log.Err(err))
		return
	}
	if _, err := f.WriteAt(encodeEntry(fe), entryOffset(index)); err != nil {
		c.log.Debug("tier-2 entry update failed", log.Path(path), log.Err(err))
	}
}

// Checkpoint persists the current tier-1 set plus the referenced host code
// as the binary's complete tier-2 file. Entry host offsets are recomputed
// as the running prefix sum of host sizes.
//
// Serialisation happens under the cache mutex; the file write itself goes
// through the persistence engine when one is attached, otherwise it is
// performed synchronously before returning.
func (c *Cache) Checkpoint(binaryID string, host HostSource) error {
	c.mu.Lock()
	desc, ok := c.files[binaryID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("checkpoint: unknown binary %q", binaryID)
	}

	now := uint64(time.Now().UnixNano())
	header := fileHeader{
		Magic:      Magic,
		Version:    Version,
		EntryCount: uint32(len(c.l1)),
		BinaryFP:   desc.fp,
		CreateTS:   now,
		LastAccess: now,
	}

	buf := make([]byte, 0, dataStart(header.EntryCount))
	buf = append(buf, encodeHeader(header)...)

	var payload []byte
	var hostOffset uint64
	for _, e := range c.l1 {
		fe := fileEntry{
			GuestAddr:  e.GuestAddr,
			GuestSize:  e.GuestSize,
			GuestFP:    e.Fingerprint,
			HostOffset: hostOffset,
			HostSize:   e.HostSize,
			ExecCount:  e.AccessCount,
			LastExec:   now,
			Flags:      e.Flags,
		}
		buf = append(buf, encodeEntry(fe)...)
		code := host(e.HostOff, int(e.HostSize))
		payload = append(payload, code...)
		// Keep the payload aligned with the recorded offsets even if the
		// host source comes up short.
		for pad := int(e.HostSize) - len(code); pad > 0; pad-- {
			payload = append(payload, 0)
		}
		hostOffset += uint64(e.HostSize)
	}
	buf = append(buf, payload...)
	delete(c.dirty, binaryID)
	c.mu.Unlock()

	if c.engine != nil {
		path := desc.path
		c.engine.QueueWrite(path, buf, 0, func(ok bool) {
			if !ok {
				c.log.Warn("checkpoint write failed", log.Path(path))
			}
		})
		return nil
	}

	if err := os.WriteFile(desc.path, buf, 0o644); err != nil {
		return fmt.Errorf("checkpoint %q: %w", binaryID, err)
	}
	return nil
}

// Dirty reports whether the binary has tier-1 state not yet checkpointed.
func (c *Cache) Dirty(binaryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty[binaryID]
}

// Entries returns a snapshot of the tier-1 entries, MRU first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.l1))
	copy(out, c.l1)
	return out
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		L1Hits:  c.l1Hits,
		L2Hits:  c.l2Hits,
		Misses:  c.misses,
		Entries: len(c.l1),
	}
}

// ClearL1 drops the in-memory tier, leaving counters and tier-2 files alone.
func (c *Cache) ClearL1() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1 = nil
}

// Clear drops the in-memory tier and resets the hit counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1 = nil
	c.l1Hits = 0
	c.l2Hits = 0
	c.misses = 0
}
