package dispatch

import (
	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/log"
)

// Sim is a dispatcher that simulates execution: it maps the register files
// across the boundary and records the dispatch without running any host
// instructions. The default for tests and for hosts where executable
// mappings are unavailable.
type Sim struct {
	Blocks uint64 // dispatched block count

	log *log.Logger
}

// NewSim returns a simulating dispatcher. A nil logger falls back to a
// no-op one.
func NewSim(logger *log.Logger) *Sim {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Sim{log: logger}
}

// Execute pretends to run the block: the register mapping round-trips and
// the program counter lands on the block address.
func (s *Sim) Execute(hostAddr uintptr, code []byte, state *CPUState) error {
	state.MapToARM()
	state.PC = uint64(hostAddr)
	state.MapToX86()

	s.Blocks++
	s.log.Debug("simulated dispatch",
		zap.Uint64("host_addr", uint64(hostAddr)),
		zap.Int("bytes", len(code)),
	)
	return nil
}
