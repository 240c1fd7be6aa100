// Package hart implements the RISC-V hardware-thread state: the 32
// general-purpose registers (with x0 hardwired to zero), the program
// counter, the monotonic cycle counter, and the transient per-cycle trace
// and branch bookkeeping the executor consumes.
package hart

// NumRegisters is the number of general-purpose integer registers.
const NumRegisters = 32

// ABINames are the ABI-style register names, x0..x31, used by the trace
// formatter and error messages.
var ABINames = [NumRegisters]string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "x30", "x31",
}

// Hart holds the execution state of a single hardware thread: registers,
// PC, and the per-cycle bookkeeping the step loop needs.
type Hart struct {
	registers [NumRegisters]uint32
	pc        uint32

	// CycleCount is incremented exactly once per completed step.
	CycleCount uint64

	// FetchAddress is the PC value captured at fetch time, for tracing.
	FetchAddress uint32

	// BranchTaken is set by JAL/JALR/taken-BRANCH handlers and consumed
	// (read then cleared) once per cycle by the step loop to suppress
	// the implicit pc += 4.
	BranchTaken bool
}

// New returns a Hart with all registers zero and PC set to entry.
func New(entry uint32) *Hart {
	return &Hart{pc: entry}
}

// Reg reads general-purpose register index (0..31). Register 0 always
// reads as zero regardless of any prior write.
func (h *Hart) Reg(index uint32) uint32 {
	if index == 0 {
		return 0
	}
	return h.registers[index]
}

// SetReg writes general-purpose register index. Writes to register 0 are
// silently discarded.
func (h *Hart) SetReg(index uint32, v uint32) {
	if index == 0 {
		return
	}
	h.registers[index] = v
}

// PC returns the current program counter.
func (h *Hart) PC() uint32 { return h.pc }

// SetPC sets the program counter.
func (h *Hart) SetPC(v uint32) { h.pc = v }
