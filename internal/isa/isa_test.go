package isa

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTableSeedsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	tbl := LoadTable(dir, nil)

	if len(tbl.guest) == 0 || len(tbl.host) == 0 || len(tbl.rules) == 0 {
		t.Fatal("empty directory did not seed defaults")
	}

	for _, name := range []string{GuestDefsFile, HostDefsFile, RulesFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("seeded %s not written out: %v", name, err)
		}
	}

	ret, ok := tbl.GuestDef(0xC3)
	if !ok || ret.Mnemonic != "RET" || ret.Length != 1 {
		t.Errorf("seeded RET def wrong: %+v", ret)
	}
	call, ok := tbl.GuestDef(0xE8)
	if !ok || !call.HasImm || call.Length != 5 {
		t.Errorf("seeded CALL def wrong: %+v", call)
	}
}

func TestLoadTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	first := LoadTable(dir, nil)

	// Second load reads back the files the first one wrote.
	second := LoadTable(dir, nil)

	if len(second.guest) != len(first.guest) {
		t.Errorf("guest defs: reloaded %d, want %d", len(second.guest), len(first.guest))
	}
	if len(second.host) != len(first.host) {
		t.Errorf("host defs: reloaded %d, want %d", len(second.host), len(first.host))
	}
	if len(second.rules) != len(first.rules) {
		t.Fatalf("rules: reloaded %d, want %d", len(second.rules), len(first.rules))
	}
	for i, r := range first.rules {
		got := second.rules[i]
		if got.GuestOpcode != r.GuestOpcode || len(got.HostWords) != len(r.HostWords) {
			t.Errorf("rule %d changed across round trip: %+v vs %+v", i, got, r)
		}
		if got.Description != r.Description {
			t.Errorf("rule %d description %q, want %q", i, got.Description, r.Description)
		}
	}
}

func TestLoadTableParsesHandWrittenFiles(t *testing.T) {
	dir := t.TempDir()

	guest := `# comment line
0x90 NOP 1 0 0 0 0

0xAB TEST 2 1 0 0 0
`
	rules := `0x90 0xD503201F # pass through
0xAB 0x11111111 0x22222222 # two words
`
	host := `0xD503201F NOP 0xFFFFFFFF 0xD503201F
# a record violating encoding&mask==value is skipped
0xAA0003E0 BAD 0xFFFFFFFF 0x00000000
`
	os.WriteFile(filepath.Join(dir, GuestDefsFile), []byte(guest), 0o644)
	os.WriteFile(filepath.Join(dir, RulesFile), []byte(rules), 0o644)
	os.WriteFile(filepath.Join(dir, HostDefsFile), []byte(host), 0o644)

	tbl := LoadTable(dir, nil)

	if _, ok := tbl.GuestDef(0xAB); !ok {
		t.Error("hand-written guest def not loaded")
	}
	if len(tbl.rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(tbl.rules))
	}
	if tbl.rules[1].Description != "two words" {
		t.Errorf("trailing description = %q, want %q", tbl.rules[1].Description, "two words")
	}
	if _, ok := tbl.HostDef(0xAA0003E0); ok {
		t.Error("host def with broken mask invariant was accepted")
	}
	if _, ok := tbl.HostDef(0xD503201F); !ok {
		t.Error("valid host def rejected")
	}
}

func TestSavedFilesAreCommented(t *testing.T) {
	dir := t.TempDir()
	LoadTable(dir, nil)

	data, err := os.ReadFile(filepath.Join(dir, RulesFile))
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	if !strings.HasPrefix(string(data), "#") {
		t.Error("saved rules file missing header comment")
	}
}
