// Package sig stores code-block signatures and answers exact and fuzzy
// match queries against them.
//
// A signature pairs a block fingerprint with a per-byte significance mask
// and a similarity threshold. Masked-out bytes (relocated jump offsets,
// immediates) are ignored when comparing, so one signature recognises a
// whole family of relocated or lightly patched blocks.
package sig

import (
	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/log"
	"github.com/zboralski/arcross/internal/xxh"
)

// BlockType tags what kind of code a signature describes.
type BlockType uint32

// Block types, in on-disk tag order.
const (
	Generic BlockType = iota
	Function
	Loop
	Branch
	SIMD
	Hotspot
)

var blockTypeNames = [...]string{"generic", "function", "loop", "branch", "simd", "hotspot"}

func (b BlockType) String() string {
	if int(b) < len(blockTypeNames) {
		return blockTypeNames[b]
	}
	return "unknown"
}

// Signature describes a class of equivalent code blocks.
//
// Ref holds the reference bytes captured when the signature was created.
// Signatures loaded from disk carry no reference bytes and answer exact
// fingerprint matches only.
type Signature struct {
	Hash      uint64
	Type      BlockType
	Address   uint64
	Size      int
	Mask      []byte
	Threshold float32
	Ref       []byte
}

// Store is the signature table plus a memo of previous fuzzy matches.
// It is foreground-only; no locking.
type Store struct {
	db   map[uint64]Signature
	memo map[uint64]uint64 // query fingerprint -> matched signature fingerprint

	log *log.Logger
}

// NewStore returns an empty store. A nil logger falls back to a no-op one.
func NewStore(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		db:   make(map[uint64]Signature),
		memo: make(map[uint64]uint64),
		log:  logger,
	}
}

// Create builds a signature for code, capturing the bytes as the fuzzy-match
// reference. The mask must be the same length as code; that is enforced by
// truncating or padding with significant bytes.
func Create(code []byte, typ BlockType, addr uint64, mask []byte, threshold float32) Signature {
	m := make([]byte, len(code))
	for i := range m {
		if i < len(mask) {
			m[i] = mask[i]
		} else {
			m[i] = 1
		}
	}
	ref := make([]byte, len(code))
	copy(ref, code)

	return Signature{
		Hash:      xxh.Sum64(code, 0),
		Type:      typ,
		Address:   addr,
		Size:      len(code),
		Mask:      m,
		Threshold: threshold,
		Ref:       ref,
	}
}

// Insert adds a signature, replacing any prior entry with the same hash.
func (s *Store) Insert(sig Signature) {
	s.db[sig.Hash] = sig
}

// Find looks code up in the store: memoised match first, then exact
// fingerprint, then a masked linear scan against every signature of the
// same length.
func (s *Store) Find(code []byte) (Signature, bool) {
	hash := xxh.Sum64(code, 0)

	if target, ok := s.memo[hash]; ok {
		if sig, ok := s.db[target]; ok {
			return sig, true
		}
		// Memoised target was removed; fall through and rescan.
		delete(s.memo, hash)
	}

	if sig, ok := s.db[hash]; ok {
		return sig, true
	}

	for _, sig := range s.db {
		if sig.Size != len(code) || sig.Ref == nil {
			continue
		}
		similarity := Similarity(code, sig.Ref, sig.Mask)
		if similarity >= sig.Threshold {
			s.memo[hash] = sig.Hash
			s.log.Debug("fuzzy signature match",
				zap.String("type", sig.Type.String()),
				zap.Float32("similarity", similarity),
				log.Fingerprint(sig.Hash),
			)
			return sig, true
		}
	}

	return Signature{}, false
}

// Similarity compares a and b over the significant positions of mask:
// matching bytes over significant bytes. Mismatched lengths and masks with
// no significant byte both yield 0.
func Similarity(a, b, mask []byte) float32 {
	if len(a) != len(b) || len(a) != len(mask) {
		return 0
	}

	matches, total := 0, 0
	for i := range a {
		if mask[i] == 1 {
			total++
			if a[i] == b[i] {
				matches++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float32(matches) / float32(total)
}

// Clear drops every signature and the match memo.
func (s *Store) Clear() {
	s.db = make(map[uint64]Signature)
	s.memo = make(map[uint64]uint64)
}

// Len returns the number of stored signatures.
func (s *Store) Len() int {
	return len(s.db)
}

// TypeStats counts signatures per block type.
func (s *Store) TypeStats() map[BlockType]int {
	stats := make(map[BlockType]int)
	for _, sig := range s.db {
		stats[sig.Type]++
	}
	return stats
}

// each visits every stored signature; iteration order is unspecified.
func (s *Store) each(fn func(Signature)) {
	for _, sig := range s.db {
		fn(sig)
	}
}
