// Package isa holds the guest (x86-64) and host (AArch64) instruction
// definitions, the guest-to-host translation rules, and the table-driven
// block decoder built on them.
//
// Definitions are loaded from plain-text files in the working directory so
// the translator can be extended without recompiling. Missing files are
// seeded with built-in defaults and written back out.
package isa

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zboralski/arcross/internal/log"
	"go.uber.org/zap"
)

// HostNOP is the AArch64 NOP word emitted for guest opcodes with no
// translation rule.
const HostNOP uint32 = 0xD503201F

// Definition file names, resolved relative to the definitions directory.
const (
	GuestDefsFile = "x86_defs.txt"
	HostDefsFile  = "arm_defs.txt"
	RulesFile     = "translation_rules.txt"
)

// GuestDef describes one guest opcode: its nominal length and which of the
// optional fields (ModR/M, SIB, displacement, immediate) it carries.
type GuestDef struct {
	Opcode   byte
	Mnemonic string
	Length   int
	HasModRM bool
	HasSIB   bool
	HasDisp  bool
	HasImm   bool
}

// HostDef describes one host instruction encoding. The invariant
// Encoding&Mask == Value is checked on load.
type HostDef struct {
	Encoding uint32
	Mnemonic string
	Mask     uint32
	Value    uint32
}

// Rule maps a guest opcode to the host words that replace it.
type Rule struct {
	GuestOpcode byte
	HostWords   []uint32
	Description string
}

// Table aggregates the three loaded definition sets.
type Table struct {
	guest map[byte]GuestDef
	host  map[uint32]HostDef
	rules []Rule

	log *log.Logger
}

// NewTable returns an empty table. A nil logger falls back to a no-op one.
func NewTable(logger *log.Logger) *Table {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Table{
		guest: make(map[byte]GuestDef),
		host:  make(map[uint32]HostDef),
		log:   logger,
	}
}

// LoadTable loads all three definition files from dir. A file that is
// missing or yields no records is seeded with the built-in defaults and
// written back out; config errors are never fatal.
func LoadTable(dir string, logger *log.Logger) *Table {
	t := NewTable(logger)

	if err := t.loadGuestDefs(filepath.Join(dir, GuestDefsFile)); err != nil || len(t.guest) == 0 {
		if err != nil {
			t.log.Warn("guest defs unavailable, seeding defaults", log.Path(GuestDefsFile), log.Err(err))
		}
		t.seedGuestDefs()
		t.saveGuestDefs(filepath.Join(dir, GuestDefsFile))
	}
	if err := t.loadHostDefs(filepath.Join(dir, HostDefsFile)); err != nil || len(t.host) == 0 {
		if err != nil {
			t.log.Warn("host defs unavailable, seeding defaults", log.Path(HostDefsFile), log.Err(err))
		}
		t.seedHostDefs()
		t.saveHostDefs(filepath.Join(dir, HostDefsFile))
	}
	if err := t.loadRules(filepath.Join(dir, RulesFile)); err != nil || len(t.rules) == 0 {
		if err != nil {
			t.log.Warn("translation rules unavailable, seeding defaults", log.Path(RulesFile), log.Err(err))
		}
		t.seedRules()
		t.saveRules(filepath.Join(dir, RulesFile))
	}

	return t
}

// GuestDef returns the definition for a guest opcode.
func (t *Table) GuestDef(op byte) (GuestDef, bool) {
	d, ok := t.guest[op]
	return d, ok
}

// HostDef returns the definition for a host encoding.
func (t *Table) HostDef(enc uint32) (HostDef, bool) {
	d, ok := t.host[enc]
	return d, ok
}

// Mnemonic returns the guest mnemonic for op, or "UNKNOWN".
func (t *Table) Mnemonic(op byte) string {
	if d, ok := t.guest[op]; ok {
		return d.Mnemonic
	}
	return "UNKNOWN"
}

// Rules returns the loaded rule list in file order.
func (t *Table) Rules() []Rule {
	return t.rules
}

// AddGuestDef inserts or replaces a guest definition.
func (t *Table) AddGuestDef(d GuestDef) {
	t.guest[d.Opcode] = d
}

// AddHostDef inserts a host definition after checking its mask invariant.
func (t *Table) AddHostDef(d HostDef) error {
	if d.Encoding&d.Mask != d.Value {
		return fmt.Errorf("host def %s: encoding %#08x & mask %#08x != value %#08x",
			d.Mnemonic, d.Encoding, d.Mask, d.Value)
	}
	t.host[d.Encoding] = d
	return nil
}

// AddRule appends a translation rule.
func (t *Table) AddRule(r Rule) {
	t.rules = append(t.rules, r)
}

func (t *Table) loadGuestDefs(path string) error {
	return eachRecord(path, func(fields []string) {
		if len(fields) < 7 {
			t.log.Debug("short guest def record skipped", zap.Strings("fields", fields))
			return
		}
		op, err := parseHexByte(fields[0])
		if err != nil {
			t.log.Debug("bad guest opcode skipped", zap.String("token", fields[0]))
			return
		}
		length, err := strconv.Atoi(fields[2])
		if err != nil || length < 1 {
			t.log.Debug("bad guest length skipped", zap.String("token", fields[2]))
			return
		}
		t.guest[op] = GuestDef{
			Opcode:   op,
			Mnemonic: fields[1],
			Length:   length,
			HasModRM: fields[3] == "1",
			HasSIB:   fields[4] == "1",
			HasDisp:  fields[5] == "1",
			HasImm:   fields[6] == "1",
		}
	})
}

func (t *Table) loadHostDefs(path string) error {
	return eachRecord(path, func(fields []string) {
		if len(fields) < 4 {
			return
		}
		enc, err1 := parseHex32(fields[0])
		mask, err2 := parseHex32(fields[2])
		value, err3 := parseHex32(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			t.log.Debug("bad host def skipped", zap.Strings("fields", fields))
			return
		}
		d := HostDef{Encoding: enc, Mnemonic: fields[1], Mask: mask, Value: value}
		if err := t.AddHostDef(d); err != nil {
			t.log.Warn("host def rejected", log.Err(err))
		}
	})
}

func (t *Table) loadRules(path string) error {
	return eachRecord(path, func(fields []string) {
		if len(fields) < 2 {
			return
		}
		op, err := parseHexByte(fields[0])
		if err != nil {
			return
		}
		rule := Rule{GuestOpcode: op}
		i := 1
		for ; i < len(fields) && fields[i] != "#"; i++ {
			w, err := parseHex32(fields[i])
			if err != nil {
				t.log.Debug("bad host word skipped", zap.String("token", fields[i]))
				continue
			}
			rule.HostWords = append(rule.HostWords, w)
		}
		if i < len(fields) {
			rule.Description = strings.Join(fields[i+1:], " ")
		}
		if len(rule.HostWords) > 0 {
			t.rules = append(t.rules, rule)
		}
	})
}

// eachRecord streams the whitespace-separated records of a definition file,
// skipping blank lines and #-comments.
func eachRecord(path string, fn func(fields []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(strings.Fields(line))
	}
	return sc.Err()
}

func (t *Table) seedGuestDefs() {
	for _, d := range []GuestDef{
		{0x90, "NOP", 1, false, false, false, false},
		{0x89, "MOV", 2, true, true, true, false},
		{0x01, "ADD", 2, true, true, true, false},
		{0x29, "SUB", 2, true, true, true, false},
		{0xE8, "CALL", 5, false, false, false, true},
		{0xC3, "RET", 1, false, false, false, false},
		{0x0F, "SIMD_PREFIX", 1, false, false, false, false},
	} {
		t.guest[d.Opcode] = d
	}
}

func (t *Table) seedHostDefs() {
	for _, d := range []HostDef{
		{0xD503201F, "NOP", 0xFFFFFFFF, 0xD503201F},
		{0xAA0003E0, "MOV", 0xFFE0FFFF, 0xAA0003E0},
		{0x8B010000, "ADD", 0xFFE0FC00, 0x8B000000},
		{0xCB010000, "SUB", 0xFFE0FC00, 0xCB000000},
	} {
		t.host[d.Encoding] = d
	}
}

func (t *Table) seedRules() {
	t.rules = []Rule{
		{0x90, []uint32{0xD503201F}, "NOP -> NOP"},
		{0x89, []uint32{0xAA0003E0}, "MOV reg, reg -> MOV X0, X0"},
		{0x01, []uint32{0x8B010000}, "ADD reg, reg -> ADD X0, X0, X1"},
		{0x29, []uint32{0xCB010000}, "SUB reg, reg -> SUB X0, X0, X1"},
		{0xE8, []uint32{0xF81F0FE0, 0x94000000}, "CALL -> STR X0, [SP, -16]! + BL"},
		{0xC3, []uint32{0xF84107E0, 0xD65F03C0}, "RET -> LDR X0, [SP], 16 + RET"},
		{0x0F, []uint32{0x4EA01C00}, "SIMD -> MOV NEON"},
	}
}

func (t *Table) saveGuestDefs(path string) {
	ops := make([]int, 0, len(t.guest))
	for op := range t.guest {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)

	var b strings.Builder
	b.WriteString("# x86 definitions for arcross\n")
	b.WriteString("# Format: opcode mnemonic length has_modrm has_sib has_displacement has_immediate\n")
	for _, op := range ops {
		d := t.guest[byte(op)]
		fmt.Fprintf(&b, "0x%02x %s %d %s %s %s %s\n",
			d.Opcode, d.Mnemonic, d.Length,
			boolField(d.HasModRM), boolField(d.HasSIB), boolField(d.HasDisp), boolField(d.HasImm))
	}
	writeDefs(path, b.String(), t.log)
}

func (t *Table) saveHostDefs(path string) {
	encs := make([]int, 0, len(t.host))
	for enc := range t.host {
		encs = append(encs, int(enc))
	}
	sort.Ints(encs)

	var b strings.Builder
	b.WriteString("# ARM definitions for arcross\n")
	b.WriteString("# Format: opcode mnemonic mask value\n")
	for _, enc := range encs {
		d := t.host[uint32(enc)]
		fmt.Fprintf(&b, "0x%08x %s 0x%08x 0x%08x\n", d.Encoding, d.Mnemonic, d.Mask, d.Value)
	}
	writeDefs(path, b.String(), t.log)
}

func (t *Table) saveRules(path string) {
	var b strings.Builder
	b.WriteString("# Translation rules for arcross\n")
	b.WriteString("# Format: x86_opcode arm_opcode1 arm_opcode2 ... # description\n")
	for _, r := range t.rules {
		fmt.Fprintf(&b, "0x%02x", r.GuestOpcode)
		for _, w := range r.HostWords {
			fmt.Fprintf(&b, " 0x%08x", w)
		}
		fmt.Fprintf(&b, " # %s\n", r.Description)
	}
	writeDefs(path, b.String(), t.log)
}

func writeDefs(path, content string, logger *log.Logger) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logger.Warn("cannot write definition file", log.Path(path), log.Err(err))
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	return byte(v), err
}

func parseHex32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	return uint32(v), err
}
