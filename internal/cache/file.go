package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// On-disk cache file constants. The layout is little-endian and fixed-width:
// a 64-byte header, entry_count 64-byte records, then the contiguous host
// code payload.
const (
	Magic   uint64 = 0x415243524F535345
	Version uint32 = 1

	headerSize = 64
	entrySize  = 64
)

// Integrity failures on open. Callers treat all of them as a miss.
var (
	errBadMagic    = errors.New("bad cache magic")
	errBadVersion  = errors.New("unsupported cache version")
	errFingerprint = errors.New("binary fingerprint mismatch")
)

// fileHeader is the decoded form of the cache file header.
type fileHeader struct {
	Magic      uint64
	Version    uint32
	EntryCount uint32
	BinaryFP   uint64
	CreateTS   uint64
	LastAccess uint64
	HitCount   uint32
}

// fileEntry is the decoded form of one on-disk entry record. HostOffset is
// relative to the start of the payload section.
type fileEntry struct {
	GuestAddr  uint64
	GuestSize  uint32
	GuestFP    uint64
	HostOffset uint64
	HostSize   uint32
	ExecCount  uint32
	LastExec   uint64
	Flags      uint32
}

func dataStart(entryCount uint32) int64 {
	return headerSize + int64(entryCount)*entrySize
}

func entryOffset(index int) int64 {
	return headerSize + int64(index)*entrySize
}

func encodeHeader(h fileHeader) []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[8:], h.Version)
	binary.LittleEndian.PutUint32(b[12:], h.EntryCount)
	binary.LittleEndian.PutUint64(b[16:], h.BinaryFP)
	binary.LittleEndian.PutUint64(b[24:], h.CreateTS)
	binary.LittleEndian.PutUint64(b[32:], h.LastAccess)
	binary.LittleEndian.PutUint32(b[40:], h.HitCount)
	// bytes 44..63 reserved
	return b
}

func decodeHeader(b []byte) fileHeader {
	return fileHeader{
		Magic:      binary.LittleEndian.Uint64(b[0:]),
		Version:    binary.LittleEndian.Uint32(b[8:]),
		EntryCount: binary.LittleEndian.Uint32(b[12:]),
		BinaryFP:   binary.LittleEndian.Uint64(b[16:]),
		CreateTS:   binary.LittleEndian.Uint64(b[24:]),
		LastAccess: binary.LittleEndian.Uint64(b[32:]),
		HitCount:   binary.LittleEndian.Uint32(b[40:]),
	}
}

func encodeEntry(e fileEntry) []byte {
	b := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(b[0:], e.GuestAddr)
	binary.LittleEndian.PutUint32(b[8:], e.GuestSize)
	binary.LittleEndian.PutUint64(b[12:], e.GuestFP)
	binary.LittleEndian.PutUint64(b[20:], e.HostOffset)
	binary.LittleEndian.PutUint32(b[28:], e.HostSize)
	binary.LittleEndian.PutUint32(b[32:], e.ExecCount)
	binary.LittleEndian.PutUint64(b[36:], e.LastExec)
	binary.LittleEndian.PutUint32(b[44:], e.Flags)
	// bytes 48..63 reserved
	return b
}

func decodeEntry(b []byte) fileEntry {
	return fileEntry{
		GuestAddr:  binary.LittleEndian.Uint64(b[0:]),
		GuestSize:  binary.LittleEndian.Uint32(b[8:]),
		GuestFP:    binary.LittleEndian.Uint64(b[12:]),
		HostOffset: binary.LittleEndian.Uint64(b[20:]),
		HostSize:   binary.LittleEndian.Uint32(b[28:]),
		ExecCount:  binary.LittleEndian.Uint32(b[32:]),
		LastExec:   binary.LittleEndian.Uint64(b[36:]),
		Flags:      binary.LittleEndian.Uint32(b[44:]),
	}
}

// readValidHeader reads and validates the header of an open cache file.
// expectedFP of zero skips the binary fingerprint check.
func readValidHeader(f *os.File, expectedFP uint64) (fileHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fileHeader{}, fmt.Errorf("read cache header: %w", err)
	}
	h := decodeHeader(buf)

	if h.Magic != Magic {
		return fileHeader{}, errBadMagic
	}
	if h.Version != Version {
		return fileHeader{}, errBadVersion
	}
	if expectedFP != 0 && h.BinaryFP != expectedFP {
		return fileHeader{}, errFingerprint
	}
	return h, nil
}

// readEntries reads the entry table following a validated header.
func readEntries(f *os.File, count uint32) ([]fileEntry, error) {
	buf := make([]byte, int64(count)*entrySize)
	if _, err := f.ReadAt(buf, headerSize); err != nil {
		return nil, fmt.Errorf("read cache entries: %w", err)
	}
	entries := make([]fileEntry, count)
	for i := range entries {
		entries[i] = decodeEntry(buf[i*entrySize:])
	}
	return entries, nil
}
