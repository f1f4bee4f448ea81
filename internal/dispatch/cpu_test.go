package dispatch

import "testing"

func TestRegisterMappingRoundTrip(t *testing.T) {
	s := &CPUState{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4,
		RSI: 5, RDI: 6, RBP: 7, RSP: 0x7FFF0000,
		R8: 8, R9: 9, R10: 10, R11: 11,
		R12: 12, R13: 13, R14: 14, R15: 15,
		RFlags: flagZF,
	}
	s.XMM[3] = [2]uint64{0xAAAA, 0xBBBB}

	s.MapToARM()

	if s.X[0] != 1 || s.X[6] != 7 || s.X[15] != 15 {
		t.Errorf("general registers not mapped: x0=%d x6=%d x15=%d", s.X[0], s.X[6], s.X[15])
	}
	if s.SP != 0x7FFF0000 {
		t.Errorf("SP = %#x, want RSP", s.SP)
	}
	if s.CPSR&cpsrZero == 0 {
		t.Error("ZF did not set the CPSR Z bit")
	}
	if s.NEON[3] != s.XMM[3] {
		t.Error("SIMD lanes not mapped")
	}

	// Mutate on the ARM side and fold back.
	s.X[0] = 42
	s.CPSR &^= cpsrZero
	s.MapToX86()

	if s.RAX != 42 {
		t.Errorf("RAX = %d, want 42", s.RAX)
	}
	if s.RFlags&flagZF != 0 {
		t.Error("cleared Z bit did not clear ZF")
	}
}

func TestSimDispatcherCounts(t *testing.T) {
	sim := NewSim(nil)
	state := &CPUState{}

	for i := 0; i < 3; i++ {
		if err := sim.Execute(0x1000, []byte{0x1F, 0x20, 0x03, 0xD5}, state); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if sim.Blocks != 3 {
		t.Errorf("dispatched %d blocks, want 3", sim.Blocks)
	}
	if state.PC != 0x1000 {
		t.Errorf("PC = %#x, want the host address", state.PC)
	}
}
