package isa

import (
	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/log"
)

// Translate converts one decoded guest instruction into host words using the
// first rule whose guest opcode matches.
//
// Translation never fails: a guest opcode with no rule becomes a single host
// NOP. That keeps the emitted stream aligned with the guest block at the cost
// of dropping the instruction's effect, which is acceptable for unknown
// opcodes and reported at debug level.
func (t *Table) Translate(inst Decoded) []uint32 {
	for _, rule := range t.rules {
		if rule.GuestOpcode == inst.Opcode {
			out := make([]uint32, len(rule.HostWords))
			copy(out, rule.HostWords)
			return out
		}
	}

	t.log.Debug("no rule for guest opcode, emitting NOP",
		zap.String("opcode", log.Hex(uint64(inst.Opcode))),
		zap.String("mnemonic", t.Mnemonic(inst.Opcode)),
	)
	return []uint32{HostNOP}
}

// TranslateBlock decodes up to blockLen bytes of code and appends the host
// words for each instruction, stopping when decode fails or maxWords is
// reached. It returns the emitted words.
func (t *Table) TranslateBlock(code []byte, blockLen, maxWords int) []uint32 {
	if blockLen > len(code) {
		blockLen = len(code)
	}

	var words []uint32
	offset := 0
	for offset < blockLen && len(words) < maxWords {
		inst := t.Decode(code[:blockLen], offset)
		if inst.Length == 0 {
			break
		}

		t.log.Debug("translating instruction",
			zap.String("opcode", log.Hex(uint64(inst.Opcode))),
			zap.String("mnemonic", t.Mnemonic(inst.Opcode)),
		)

		for _, w := range t.Translate(inst) {
			if len(words) >= maxWords {
				break
			}
			words = append(words, w)
		}
		offset += inst.Length
	}
	return words
}
