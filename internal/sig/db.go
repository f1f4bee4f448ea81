package sig

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Save writes the signature table to path in the packed little-endian DB
// format: a 32-bit entry count, then per entry fingerprint, type tag,
// address, byte length, threshold, mask length and mask bytes.
func (s *Store) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create signature db: %w", err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint32(len(s.db))); err != nil {
		return fmt.Errorf("write signature count: %w", err)
	}

	var failed error
	s.each(func(sig Signature) {
		if failed != nil {
			return
		}
		failed = writeSignature(f, sig)
	})
	if failed != nil {
		return fmt.Errorf("write signature db: %w", failed)
	}
	return nil
}

// Load replaces the table with the signatures read from path. Loaded
// signatures have no reference bytes, so they answer exact matches only.
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open signature db: %w", err)
	}
	defer f.Close()

	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read signature count: %w", err)
	}

	db := make(map[uint64]Signature, count)
	for i := uint32(0); i < count; i++ {
		sig, err := readSignature(f)
		if err != nil {
			return fmt.Errorf("read signature %d: %w", i, err)
		}
		db[sig.Hash] = sig
	}

	s.db = db
	s.memo = make(map[uint64]uint64)
	return nil
}

func writeSignature(w io.Writer, sig Signature) error {
	fields := []any{
		sig.Hash,
		uint32(sig.Type),
		sig.Address,
		uint64(sig.Size),
		math.Float32bits(sig.Threshold),
		uint32(len(sig.Mask)),
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(sig.Mask)
	return err
}

func readSignature(r io.Reader) (Signature, error) {
	var (
		sig       Signature
		typ       uint32
		size      uint64
		threshold uint32
		maskLen   uint32
	)

	for _, v := range []any{&sig.Hash, &typ, &sig.Address, &size, &threshold, &maskLen} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return Signature{}, err
		}
	}

	sig.Type = BlockType(typ)
	sig.Size = int(size)
	sig.Threshold = math.Float32frombits(threshold)
	sig.Mask = make([]byte, maskLen)
	if _, err := io.ReadFull(r, sig.Mask); err != nil {
		return Signature{}, err
	}
	return sig, nil
}
