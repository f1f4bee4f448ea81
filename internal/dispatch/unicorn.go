package dispatch

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/arcross/internal/log"
)

// Memory layout inside the Unicorn instance.
const (
	ucCodeBase  = 0x00010000
	ucCodeSize  = 0x00100000 // 1MB for the current block
	ucStackBase = 0x80000000
	ucStackSize = 0x00100000 // 1MB stack
)

// Unicorn executes emitted AArch64 blocks in a Unicorn Engine instance.
// Each block is copied to a fixed code window, registers are seeded from
// the CPU state, and results are read back after the run.
type Unicorn struct {
	mu  uc.Unicorn
	log *log.Logger
}

// NewUnicorn creates an AArch64 Unicorn instance with code and stack
// regions mapped.
func NewUnicorn(logger *log.Logger) (*Unicorn, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	if err := mu.MemMap(ucCodeBase, ucCodeSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("map code region: %w", err)
	}
	if err := mu.MemMap(ucStackBase, ucStackSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("map stack region: %w", err)
	}

	return &Unicorn{mu: mu, log: logger}, nil
}

// Close releases the Unicorn instance.
func (u *Unicorn) Close() error {
	return u.mu.Close()
}

// Execute runs one emitted block. The block's words are copied into the
// code window and executed from its start to its end; the general-purpose
// registers and SP round-trip through the instance.
func (u *Unicorn) Execute(hostAddr uintptr, code []byte, state *CPUState) error {
	if len(code) == 0 {
		return nil
	}

	state.MapToARM()

	if err := u.mu.MemWrite(ucCodeBase, code); err != nil {
		return fmt.Errorf("write block: %w", err)
	}

	// X0..X28 are contiguous in the bindings; the frame and link registers
	// have their own constants.
	for i := 0; i < 29; i++ {
		if err := u.mu.RegWrite(uc.ARM64_REG_X0+i, state.X[i]); err != nil {
			return fmt.Errorf("seed x%d: %w", i, err)
		}
	}
	if err := u.mu.RegWrite(uc.ARM64_REG_X29, state.X[29]); err != nil {
		return fmt.Errorf("seed x29: %w", err)
	}
	if err := u.mu.RegWrite(uc.ARM64_REG_X30, state.X[30]); err != nil {
		return fmt.Errorf("seed x30: %w", err)
	}
	if err := u.mu.RegWrite(uc.ARM64_REG_SP, ucStackBase+ucStackSize/2); err != nil {
		return fmt.Errorf("seed sp: %w", err)
	}

	end := ucCodeBase + uint64(len(code))
	if err := u.mu.Start(ucCodeBase, end); err != nil {
		// A RET in the block jumps out of the window; that is the normal
		// way a translated block ends, not a failure.
		u.log.Debug("block left the code window", log.Err(err))
	}

	for i := 0; i < 29; i++ {
		v, err := u.mu.RegRead(uc.ARM64_REG_X0 + i)
		if err != nil {
			return fmt.Errorf("read x%d: %w", i, err)
		}
		state.X[i] = v
	}
	if fp, err := u.mu.RegRead(uc.ARM64_REG_X29); err == nil {
		state.X[29] = fp
	}
	if lr, err := u.mu.RegRead(uc.ARM64_REG_X30); err == nil {
		state.X[30] = lr
	}
	if sp, err := u.mu.RegRead(uc.ARM64_REG_SP); err == nil {
		state.SP = sp
	}
	if pc, err := u.mu.RegRead(uc.ARM64_REG_PC); err == nil {
		state.PC = pc
	}

	state.MapToX86()
	_ = hostAddr // execution happens in the instance's own code window
	return nil
}
