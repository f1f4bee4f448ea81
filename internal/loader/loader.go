// Package loader reads guest images from disk for the translator: raw flat
// code blobs, or x86-64 ELF executables from which the text section is
// extracted.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
)

// DefaultEntry is the guest address assigned to flat images, which carry no
// address information of their own.
const DefaultEntry = 0x1000

var elfMagic = []byte{0x7F, 'E', 'L', 'F'}

// Image is a loaded guest program: the code bytes and the guest address of
// the first byte.
type Image struct {
	Path   string
	Format string // "elf" or "flat"
	Code   []byte
	Entry  uint64
}

// Load reads the guest image at path. ELF files must be x86-64; anything
// else is treated as a flat code blob starting at DefaultEntry.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest image: %w", err)
	}

	if bytes.HasPrefix(data, elfMagic) {
		return loadELF(path)
	}

	return &Image{
		Path:   path,
		Format: "flat",
		Code:   data,
		Entry:  DefaultEntry,
	}, nil
}

// loadELF extracts the text section of an x86-64 ELF. When the file's entry
// point lands inside the section, the code starts there; otherwise the whole
// section is returned from its own address.
func loadELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("expected x86-64 (EM_X86_64), got %v", f.Machine)
	}

	sect := f.Section(".text")
	if sect == nil {
		return nil, fmt.Errorf("%s: no .text section", path)
	}
	code, err := sect.Data()
	if err != nil {
		return nil, fmt.Errorf("read .text: %w", err)
	}

	entry := sect.Addr
	if f.Entry > sect.Addr && f.Entry < sect.Addr+uint64(len(code)) {
		code = code[f.Entry-sect.Addr:]
		entry = f.Entry
	}

	return &Image{
		Path:   path,
		Format: "elf",
		Code:   code,
		Entry:  entry,
	}, nil
}
