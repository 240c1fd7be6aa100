package vm

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvsim/rv32i/internal/hart"
	"github.com/rvsim/rv32i/internal/isa"
	"github.com/rvsim/rv32i/internal/memory"
)

// newTestExecutor builds an Executor over a memory region that starts at
// address 0 so the fixed HTIF tohost/fromhost addresses (0x2000/0x2008)
// always fall inside it, regardless of where test programs are placed.
func newTestExecutor(t *testing.T, entry uint32) (*Executor, *memory.Memory) {
	t.Helper()
	mem := memory.New(0, 0x100000)
	h := hart.New(entry)
	ex, err := New(h, mem, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ex.Close() })
	return ex, mem
}

func encodeU(opcode, rd, imm20 uint32) uint32 {
	return opcode | rd<<7 | (imm20&0xFFFFF)<<12
}

func encodeI(opcode, rd, funct3, rs1, imm uint32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | (imm&0xFFF)<<20
}

func encodeIShift(opcode, rd, funct3, rs1, shamt, funct7 uint32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | (shamt&0x1F)<<20 | funct7<<25
}

func encodeR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | rs2<<20 | funct7<<25
}

func encodeS(opcode, funct3, rs1, rs2, imm uint32) uint32 {
	imm4_0 := imm & 0x1F
	imm11_5 := (imm >> 5) & 0x7F
	return opcode | imm4_0<<7 | funct3<<12 | rs1<<15 | rs2<<20 | imm11_5<<25
}

func encodeB(opcode, funct3, rs1, rs2, imm uint32) uint32 {
	bit12 := (imm >> 12) & 0x1
	bit11 := (imm >> 11) & 0x1
	bits10_5 := (imm >> 5) & 0x3F
	bits4_1 := (imm >> 1) & 0xF
	return opcode | bit11<<7 | bits4_1<<8 | funct3<<12 | rs1<<15 | rs2<<20 | bits10_5<<25 | bit12<<31
}

func TestScenarioS1_LUI_ADDI_ADD(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)

	program := []uint32{
		encodeU(isa.OpLUI, 1, 0x12345),
		encodeI(isa.OpOpImm, 1, isa.Funct3AddSub, 1, 0x678),
		encodeI(isa.OpOpImm, 2, isa.Funct3AddSub, 0, 0xFFF), // ADDI x2, x0, -1
		encodeR(isa.OpOp, 3, isa.Funct3AddSub, 1, 2, isa.Funct7Base),
	}
	for i, w := range program {
		require.NoError(t, mem.WriteWord(0x10000+uint32(i*4), w))
	}

	for range program {
		_, err := ex.Step()
		require.NoError(t, err)
	}

	require.Equal(t, uint32(0x12345678), ex.Hart.Reg(1))
	require.Equal(t, uint32(0xFFFFFFFF), ex.Hart.Reg(2))
	require.Equal(t, uint32(0x12345677), ex.Hart.Reg(3))
}

func TestScenarioS2_BNETakenBackward(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10008)
	ex.Hart.SetReg(1, 1)
	ex.Hart.SetReg(2, 2)

	backOffset := int32(-4)
	instr := encodeB(isa.OpBranch, isa.Funct3BNE, 1, 2, uint32(backOffset))
	require.NoError(t, mem.WriteWord(0x10008, instr))

	_, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, uint32(0x10004), ex.Hart.PC())
	require.False(t, ex.Hart.BranchTaken)
}

func TestScenarioS3_JALRClearsBit0(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	ex.Hart.SetReg(1, 0x20001)

	instr := encodeI(isa.OpJALR, 0, 0, 1, 0)
	require.NoError(t, mem.WriteWord(0x10000, instr))

	_, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, uint32(0x20000), ex.Hart.PC())
}

func TestScenarioS4_BytePackedStoreLoad(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	ex.Hart.SetReg(1, 0x10000) // base
	ex.Hart.SetReg(2, 0xAB)    // value to store

	sb := encodeS(isa.OpStore, isa.Funct3Byte, 1, 2, 3)
	lbu := encodeI(isa.OpLoad, 3, isa.Funct3ByteUns, 1, 3)
	require.NoError(t, mem.WriteWord(0x10000, sb))
	require.NoError(t, mem.WriteWord(0x10004, lbu))

	_, err := ex.Step()
	require.NoError(t, err)
	_, err = ex.Step()
	require.NoError(t, err)

	require.Equal(t, uint32(0x000000AB), ex.Hart.Reg(3))

	word, err := mem.ReadWord(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAB000000), word&0xFF000000)
}

func TestScenarioS5_ShiftRight(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	ex.Hart.SetReg(1, 0x80000000)

	srai := encodeIShift(isa.OpOpImm, 2, isa.Funct3SR, 1, 1, isa.Funct7Alt)
	srli := encodeIShift(isa.OpOpImm, 3, isa.Funct3SR, 1, 1, isa.Funct7Base)
	require.NoError(t, mem.WriteWord(0x10000, srai))
	require.NoError(t, mem.WriteWord(0x10004, srli))

	_, err := ex.Step()
	require.NoError(t, err)
	_, err = ex.Step()
	require.NoError(t, err)

	require.Equal(t, uint32(0xC0000000), ex.Hart.Reg(2))
	require.Equal(t, uint32(0x40000000), ex.Hart.Reg(3))
}

func TestScenarioS6_HTIFExit(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)

	const cmdAddr = 0x10100
	require.NoError(t, mem.WriteDouble(cmdAddr, 93))    // id = SYS_exit
	require.NoError(t, mem.WriteDouble(cmdAddr+8, 42))  // a0 = 42
	require.NoError(t, mem.WriteDouble(TohostAddr, uint64(cmdAddr)))

	nop := encodeI(isa.OpOpImm, 0, isa.Funct3AddSub, 0, 0)
	require.NoError(t, mem.WriteWord(0x10000, nop))

	res, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, Exited, res.Outcome)
	require.Equal(t, uint32(42), res.ExitCode)
}

// writeHTIFReadCommand stages an 8-doubleword SYS_read command block at
// cmdAddr and points tohost at it.
func writeHTIFReadCommand(t *testing.T, mem *memory.Memory, cmdAddr uint32, fd uint32, bufAddr, length uint64) {
	t.Helper()
	require.NoError(t, mem.WriteDouble(cmdAddr, sysRead))
	require.NoError(t, mem.WriteDouble(cmdAddr+8, uint64(fd)))
	require.NoError(t, mem.WriteDouble(cmdAddr+16, bufAddr))
	require.NoError(t, mem.WriteDouble(cmdAddr+24, length))
	require.NoError(t, mem.WriteDouble(TohostAddr, uint64(cmdAddr)))
}

// writeHTIFWriteCommand stages an 8-doubleword SYS_write command block at
// cmdAddr and points tohost at it.
func writeHTIFWriteCommand(t *testing.T, mem *memory.Memory, cmdAddr uint32, fd uint32, bufAddr, length uint64) {
	t.Helper()
	require.NoError(t, mem.WriteDouble(cmdAddr, sysWrite))
	require.NoError(t, mem.WriteDouble(cmdAddr+8, uint64(fd)))
	require.NoError(t, mem.WriteDouble(cmdAddr+16, bufAddr))
	require.NoError(t, mem.WriteDouble(cmdAddr+24, length))
	require.NoError(t, mem.WriteDouble(TohostAddr, uint64(cmdAddr)))
}

func TestScenarioS7_HTIFReadFromStdin(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = origStdin }()

	payload := []byte("hi")
	go func() {
		_, _ = w.Write(payload)
		_ = w.Close()
	}()

	ex, mem := newTestExecutor(t, 0x10000)

	const cmdAddr = 0x10100
	const bufAddr = 0x10200
	writeHTIFReadCommand(t, mem, cmdAddr, 0, bufAddr, uint64(len(payload)))

	nop := encodeI(isa.OpOpImm, 0, isa.Funct3AddSub, 0, 0)
	require.NoError(t, mem.WriteWord(0x10000, nop))

	res, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, Continue, res.Outcome)

	got := make([]byte, len(payload))
	require.NoError(t, mem.Read(bufAddr, got))
	require.Equal(t, payload, got)

	fromhost, err := mem.ReadDouble(FromhostAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), fromhost)

	tohost, err := mem.ReadDouble(TohostAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tohost)
}

func TestScenarioS8_HTIFWriteToStdout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	ex, mem := newTestExecutor(t, 0x10000)

	const cmdAddr = 0x10100
	const bufAddr = 0x10200
	payload := []byte("hey")
	require.NoError(t, mem.Write(bufAddr, payload))
	writeHTIFWriteCommand(t, mem, cmdAddr, 1, bufAddr, uint64(len(payload)))

	nop := encodeI(isa.OpOpImm, 0, isa.Funct3AddSub, 0, 0)
	require.NoError(t, mem.WriteWord(0x10000, nop))

	res, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, Continue, res.Outcome)

	require.NoError(t, ex.Close()) // closes the duped stdout so the pipe's write side drains
	require.NoError(t, w.Close())
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	fromhost, err := mem.ReadDouble(FromhostAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), fromhost)
}

func TestScenarioS9_HTIFInvalidFileDescriptor(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)

	const cmdAddr = 0x10100
	const bufAddr = 0x10200
	writeHTIFReadCommand(t, mem, cmdAddr, 5, bufAddr, 1) // fd 5 is out of range

	nop := encodeI(isa.OpOpImm, 0, isa.Funct3AddSub, 0, 0)
	require.NoError(t, mem.WriteWord(0x10000, nop))

	_, err := ex.Step()
	require.Error(t, err)
	var fdErr *InvalidFileDescriptorError
	require.ErrorAs(t, err, &fdErr)
	require.Equal(t, uint32(5), fdErr.FD)
}

func TestRegisterZeroNeverWritten(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	addi := encodeI(isa.OpOpImm, 0, isa.Funct3AddSub, 0, 5)
	require.NoError(t, mem.WriteWord(0x10000, addi))

	_, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, uint32(0), ex.Hart.Reg(0))
}

func TestCycleCountTracksSteps(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	nop := encodeI(isa.OpOpImm, 0, isa.Funct3AddSub, 0, 0)
	require.NoError(t, mem.WriteWord(0x10000, nop))
	require.NoError(t, mem.WriteWord(0x10004, nop))
	require.NoError(t, mem.WriteWord(0x10008, nop))

	for i := 0; i < 3; i++ {
		_, err := ex.Step()
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), ex.Hart.CycleCount)
}

func TestUnknownOpcodeErrors(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	require.NoError(t, mem.WriteWord(0x10000, 0b1111111)) // reserved opcode

	_, err := ex.Step()
	require.Error(t, err)
	var unk *UnknownOpcodeError
	require.ErrorAs(t, err, &unk)
}

func TestUnknownSysImmErrors(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	instr := encodeI(isa.OpSystem, 0, 0, 0, 2) // neither ECALL(0) nor EBREAK(1)
	require.NoError(t, mem.WriteWord(0x10000, instr))

	_, err := ex.Step()
	require.Error(t, err)
	var unk *UnknownSysImmError
	require.ErrorAs(t, err, &unk)
}

func TestFenceIsNoop(t *testing.T) {
	ex, mem := newTestExecutor(t, 0x10000)
	require.NoError(t, mem.WriteWord(0x10000, isa.OpFence))

	_, err := ex.Step()
	require.NoError(t, err)
	require.Equal(t, uint32(0x10004), ex.Hart.PC())
}
