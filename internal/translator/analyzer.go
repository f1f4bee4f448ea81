package translator

import (
	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/log"
	"github.com/zboralski/arcross/internal/sig"
)

// Static-analysis limits.
const (
	maxFunctionBytes = 10000 // prologue scans longer than this are false positives
)

// Function prologue PUSH RBP; MOV RBP, RSP.
var prologue = []byte{0x55, 0x48, 0x89, 0xE5}

// analyzeBinary scans a freshly loaded guest image for recognisable shapes
// and inserts a signature per find: function bodies from their prologue to
// the first RET, and short backward-jump loops. Jump offsets are masked out
// so relocated copies of the same code still match.
func analyzeBinary(code []byte, base uint64, store *sig.Store, logger *log.Logger) int {
	found := 0

	for _, fn := range findFunctions(code) {
		body := code[fn.start : fn.start+fn.size]
		mask := jumpOffsetMask(body)
		store.Insert(sig.Create(body, sig.Function, base+uint64(fn.start), mask, 0.85))
		found++
	}

	for _, lp := range findLoops(code) {
		body := code[lp.start : lp.start+lp.size]
		mask := make([]byte, len(body))
		for i := range mask {
			mask[i] = 1
		}
		store.Insert(sig.Create(body, sig.Loop, base+uint64(lp.start), mask, 0.9))
		found++
	}

	logger.Info("static analysis complete",
		zap.Int("signatures", found),
		log.Size(uint64(len(code))),
	)
	return found
}

type span struct {
	start int
	size  int
}

// findFunctions locates prologues and walks each one to its first RET (or
// the end of code); spans of maxFunctionBytes or more are dropped.
func findFunctions(code []byte) []span {
	var functions []span

	for i := 0; i+len(prologue) <= len(code); i++ {
		if code[i] != prologue[0] || code[i+1] != prologue[1] ||
			code[i+2] != prologue[2] || code[i+3] != prologue[3] {
			continue
		}

		end := i + len(prologue)
		for end < len(code) {
			if code[end] == 0xC3 {
				end++
				break
			}
			end++
		}

		if size := end - i; size < maxFunctionBytes {
			functions = append(functions, span{start: i, size: size})
		}
	}

	return functions
}

// findLoops looks for the DEC EAX; JNZ backward pattern. The jump offset
// must be negative: a backward edge is what makes it a loop.
func findLoops(code []byte) []span {
	var loops []span

	for i := 0; i+3 < len(code); i++ {
		if code[i] != 0xFF || code[i+1] != 0xC8 || code[i+2] != 0x75 {
			continue
		}

		offset := int(int8(code[i+3]))
		if offset >= 0 {
			continue
		}

		// The span runs from i+offset, four bytes before the jump's actual
		// target (i+4+offset), through the end of the JNZ itself.
		size := -offset + 4
		start := i + offset
		if start < 0 || start+size > len(code) {
			continue
		}
		loops = append(loops, span{start: start, size: size})
	}

	return loops
}

// jumpOffsetMask builds an all-significant mask and then masks out the
// relocatable offsets after short conditional jumps (one byte) and near
// CALL/JMP (four bytes).
func jumpOffsetMask(body []byte) []byte {
	mask := make([]byte, len(body))
	for i := range mask {
		mask[i] = 1
	}

	for i := 0; i < len(body)-1; i++ {
		op := body[i]
		var offsetBytes int
		switch {
		case op >= 0x70 && op <= 0x7F:
			offsetBytes = 1
		case op == 0xE8 || op == 0xE9:
			offsetBytes = 4
		default:
			continue
		}
		for j := 1; j <= offsetBytes && i+j < len(body); j++ {
			mask[i+j] = 0
		}
	}

	return mask
}
