// Package translator wires the decoder, rule table, signature store,
// two-tier cache and persistence engine around the block-at-a-time
// translate-or-reuse loop.
package translator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/arena"
	"github.com/zboralski/arcross/internal/cache"
	"github.com/zboralski/arcross/internal/dispatch"
	"github.com/zboralski/arcross/internal/isa"
	"github.com/zboralski/arcross/internal/log"
	"github.com/zboralski/arcross/internal/persist"
	"github.com/zboralski/arcross/internal/sig"
	"github.com/zboralski/arcross/internal/xxh"
)

// SignatureDBFile is the signature database name inside the cache directory.
const SignatureDBFile = "signatures.db"

// maxBlockWords bounds the host words emitted for one guest block.
const maxBlockWords = 4096 / 4

// ErrOversizeBinary is returned when a guest image does not fit the arena.
var ErrOversizeBinary = errors.New("guest binary exceeds arena capacity")

// ErrNoBinary is returned by operations that need a loaded binary.
var ErrNoBinary = errors.New("no binary loaded")

// loadSeq distinguishes repeated loads of identical binaries within one
// process; binary ids are hex(fingerprint)_<monotonic>.
var loadSeq atomic.Uint64

// Block describes a resolved translation: where the guest block lives,
// where its host code sits in the arena, and which cache tier supplied it.
type Block struct {
	GuestAddr   uint64
	GuestSize   int
	HostOff     arena.Offset
	HostSize    int
	Fingerprint uint64
	Tier        cache.Tier
}

// Translator is the facade that owns every subsystem. It is driven from a
// single foreground goroutine; only the persistence engine works in the
// background.
type Translator struct {
	cfg    Config
	table  *isa.Table
	sigs   *sig.Store
	cache  *cache.Cache
	engine *persist.Engine
	disp   dispatch.Dispatcher

	guest *arena.Arena
	host  *arena.Arena
	state dispatch.CPUState

	binaryID   string
	binaryFP   uint64
	entryPoint uint64
	guestSize  int

	execCount  map[uint64]uint32
	dispatched uint64

	closeOnce sync.Once
	log       *log.Logger
}

// New builds a translator from cfg. Definitions load from cfg.DefsDir
// (seeding defaults as needed) and a previously saved signature database is
// picked up from the cache directory. A nil dispatcher selects the
// simulating one; a nil logger a no-op one.
func New(cfg Config, disp dispatch.Dispatcher, logger *log.Logger) *Translator {
	if logger == nil {
		logger = log.NewNop()
	}
	cfg.normalize()
	if disp == nil {
		disp = dispatch.NewSim(logger)
	}

	engine := persist.NewEngine(cfg.CacheDir, persist.Options{
		MaxCacheBytes:    cfg.MaxCacheBytes,
		MaintenanceEvery: cfg.MaintenanceEvery,
	}, logger)

	t := &Translator{
		cfg:    cfg,
		table:  isa.LoadTable(cfg.DefsDir, logger),
		sigs:   sig.NewStore(logger),
		cache:  cache.New(cfg.CacheDir, cfg.MaxL1Entries, engine, logger),
		engine: engine,
		disp:   disp,
		guest:  arena.New(cfg.GuestArenaBytes),
		host:   arena.New(cfg.HostArenaBytes),
		log:    logger,
	}

	dbPath := filepath.Join(cfg.CacheDir, SignatureDBFile)
	if err := t.sigs.Load(dbPath); err == nil {
		logger.Info("signature database loaded", zap.Int("signatures", t.sigs.Len()))
	}

	return t
}

// BinaryID returns the id assigned to the loaded binary.
func (t *Translator) BinaryID() string {
	return t.binaryID
}

// LoadBinary copies the guest program into the guest arena, assigns its
// binary id, registers its cache file and runs the static analyser over it.
func (t *Translator) LoadBinary(code []byte, entry uint64) error {
	if len(code) > t.guest.Cap() {
		return fmt.Errorf("%w: %d > %d bytes", ErrOversizeBinary, len(code), t.guest.Cap())
	}

	t.guest.Reset()
	t.host.Reset()
	if _, err := t.guest.Append(code); err != nil {
		return fmt.Errorf("copy guest binary: %w", err)
	}

	t.binaryFP = xxh.Sum64(code, 0)
	t.binaryID = fmt.Sprintf("%x_%d", t.binaryFP, loadSeq.Add(1))
	t.entryPoint = entry
	t.guestSize = len(code)
	t.execCount = make(map[uint64]uint32)
	t.dispatched = 0
	t.state = dispatch.CPUState{}

	t.cache.RegisterBinary(t.binaryID, t.binaryFP)
	analyzeBinary(code, entry, t.sigs, t.log)

	t.log.Info("binary loaded",
		zap.String("binary_id", t.binaryID),
		log.Addr(entry),
		log.Size(uint64(len(code))),
	)
	return nil
}

// FindOrTranslateBlock resolves the guest block at addr: cache hit, or rule
// application into the next host arena slot. A nil block is only returned
// on failure, and the one failure the caller cannot recover from is arena
// exhaustion.
func (t *Translator) FindOrTranslateBlock(addr uint64) (*Block, error) {
	if t.binaryID == "" {
		return nil, ErrNoBinary
	}
	if addr < t.entryPoint || addr >= t.entryPoint+uint64(t.guestSize) {
		return nil, fmt.Errorf("guest address %s outside the loaded image", log.Hex(addr))
	}

	off := int(addr - t.entryPoint)
	window := t.guest.Bytes(arena.Offset(off), t.guestSize-off)
	blockLen := t.table.ScanBlock(window)
	if blockLen == 0 {
		return nil, fmt.Errorf("undecodable block at %s", log.Hex(addr))
	}
	guestCode := window[:blockLen]

	res, err := t.cache.Lookup(t.binaryID, addr, guestCode, t.host.Append)
	if err != nil {
		return nil, fmt.Errorf("promote cached block: %w", err)
	}

	switch res.Tier {
	case cache.Tier1:
		t.log.Trace(addr, "cache", "L1 hit")
		return &Block{
			GuestAddr:   addr,
			GuestSize:   int(res.Entry.GuestSize),
			HostOff:     res.Entry.HostOff,
			HostSize:    int(res.Entry.HostSize),
			Fingerprint: res.Entry.Fingerprint,
			Tier:        cache.Tier1,
		}, nil

	case cache.Tier2:
		t.log.Trace(addr, "cache", "L2 hit")
		return &Block{
			GuestAddr:   addr,
			GuestSize:   int(res.Entry.GuestSize),
			HostOff:     res.Entry.HostOff,
			HostSize:    len(res.HostCode),
			Fingerprint: res.Entry.Fingerprint,
			Tier:        cache.Tier2,
		}, nil
	}

	// Miss: consult the signature store for a block-type hint, then apply
	// the rule table. The hint selects an optimisation path; for now every
	// path is the plain rule walk and the hint is only logged.
	if hint, ok := t.sigs.Find(guestCode); ok {
		t.log.Trace(addr, "signature", hint.Type.String())
	}

	words := t.table.TranslateBlock(guestCode, blockLen, maxBlockWords)
	hostCode := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(hostCode[i*4:], w)
	}

	hostOff, err := t.host.Append(hostCode)
	if err != nil {
		return nil, fmt.Errorf("emit block at %s: %w", log.Hex(addr), err)
	}

	t.cache.Store(t.binaryID, addr, guestCode, hostOff, len(hostCode))
	t.log.Trace(addr, "translate", fmt.Sprintf("%d guest bytes -> %d host bytes", blockLen, len(hostCode)))

	return &Block{
		GuestAddr:   addr,
		GuestSize:   blockLen,
		HostOff:     hostOff,
		HostSize:    len(hostCode),
		Fingerprint: xxh.Sum64(guestCode, 0),
		Tier:        cache.TierNone,
	}, nil
}

// Run drives the translate-or-reuse loop from entry until the guest pointer
// reaches entry+length. Every dispatched block bumps its execution counter;
// every CheckpointEvery blocks a non-blocking checkpoint is issued.
func (t *Translator) Run(entry, length uint64) error {
	if t.binaryID == "" {
		return ErrNoBinary
	}

	t.state.RIP = entry
	end := entry + length

	for t.state.RIP < end {
		blk, err := t.FindOrTranslateBlock(t.state.RIP)
		if err != nil {
			if errors.Is(err, arena.ErrFull) {
				t.log.Warn("host arena exhausted, halting run", log.Addr(t.state.RIP))
			}
			return err
		}

		hostAddr := arena.AsExecutable(t.host, blk.HostOff)
		code := t.host.Bytes(blk.HostOff, blk.HostSize)
		if err := t.disp.Execute(hostAddr, code, &t.state); err != nil {
			return fmt.Errorf("dispatch block at %s: %w", log.Hex(blk.GuestAddr), err)
		}

		t.execCount[blk.GuestAddr]++
		t.dispatched++
		if t.dispatched%t.cfg.CheckpointEvery == 0 {
			if err := t.Checkpoint(); err != nil {
				t.log.Warn("periodic checkpoint failed", log.Err(err))
			}
		}

		if blk.GuestSize == 0 {
			break
		}
		t.state.RIP += uint64(blk.GuestSize)
	}

	t.log.Info("run complete",
		zap.Uint64("blocks", t.dispatched),
		log.Addr(t.state.RIP),
	)
	return nil
}

// Checkpoint persists the current tier-1 set and its host code. The write
// itself is asynchronous through the persistence engine.
func (t *Translator) Checkpoint() error {
	if t.binaryID == "" {
		return ErrNoBinary
	}
	return t.cache.Checkpoint(t.binaryID, t.host.Bytes)
}

// Flush blocks until pending persistence work is on disk.
func (t *Translator) Flush() {
	t.engine.Flush()
}

// HotBlock pairs a guest address with its execution count.
type HotBlock struct {
	Addr  uint64
	Count uint32
}

// hotThreshold and hotLimit bound the optimisation candidate set.
const (
	hotThreshold = 10
	hotLimit     = 20
)

// OptimizeHotBlocks picks the top blocks by execution count and runs the
// optimisation hook on each. The hook is reserved for re-translation at
// higher quality and currently only reports its input.
func (t *Translator) OptimizeHotBlocks() []HotBlock {
	hot := make([]HotBlock, 0, len(t.execCount))
	for addr, count := range t.execCount {
		if count >= hotThreshold {
			hot = append(hot, HotBlock{Addr: addr, Count: count})
		}
	}
	sortHotBlocks(hot)
	if len(hot) > hotLimit {
		hot = hot[:hotLimit]
	}

	for _, hb := range hot {
		t.optimizeBlock(hb)
	}
	return hot
}

// optimizeBlock is the re-translation hook.
func (t *Translator) optimizeBlock(hb HotBlock) {
	t.log.Debug("optimisation candidate",
		log.Addr(hb.Addr),
		zap.Uint32("executions", hb.Count),
	)
}

// sortHotBlocks orders by execution count descending, address ascending for
// equal counts so the result is stable across runs.
func sortHotBlocks(blocks []HotBlock) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Count != blocks[j].Count {
			return blocks[i].Count > blocks[j].Count
		}
		return blocks[i].Addr < blocks[j].Addr
	})
}

// Close checkpoints, saves the signature database and the stats report
// (best effort, even after a failed run), then stops the persistence
// engine. Safe to call more than once.
func (t *Translator) Close() {
	t.closeOnce.Do(func() {
		if t.binaryID != "" {
			if err := t.Checkpoint(); err != nil {
				t.log.Warn("final checkpoint failed", log.Err(err))
			}
		}

		dbPath := filepath.Join(t.cfg.CacheDir, SignatureDBFile)
		if err := t.sigs.Save(dbPath); err != nil {
			t.log.Warn("cannot save signature database", log.Err(err))
		}

		if t.binaryID != "" {
			statsPath := filepath.Join(t.cfg.CacheDir, t.binaryID+"_stats.json")
			if err := t.SaveStats(statsPath); err != nil {
				t.log.Warn("cannot save stats", log.Err(err))
			}
		}

		t.engine.Close()
	})
}
