// Package vm implements the RV32I executor: fetch, decode, dispatch,
// per-instruction execution semantics, the HTIF syscall trampoline, and
// the branch-taken / PC-advance discipline that drives the step loop.
package vm

import (
	"encoding/binary"

	"github.com/rvsim/rv32i/internal/bits"
	"github.com/rvsim/rv32i/internal/hart"
	"github.com/rvsim/rv32i/internal/isa"
	"github.com/rvsim/rv32i/internal/memory"
	"github.com/rvsim/rv32i/internal/trace"
)

// Outcome distinguishes the ways a Step can end, returned as an explicit
// result discriminator rather than signalled via panic/recover.
type Outcome int

const (
	// Continue means the step completed normally; the step loop should
	// call Step again.
	Continue Outcome = iota
	// Exited means the guest issued HTIF SYS_exit; ExitCode holds its
	// return value and the step loop must stop.
	Exited
)

// StepResult is the value returned by Step on success (a non-nil error
// always means abort, regardless of Outcome).
type StepResult struct {
	Outcome  Outcome
	ExitCode uint32
}

// Executor owns a Hart and Memory for its lifetime and drives the
// fetch-decode-dispatch-execute cycle.
type Executor struct {
	Hart   *hart.Hart
	Mem    *memory.Memory
	Tracer trace.Tracer

	fds *fdTable
}

// New constructs an Executor, duping the host's stdin/stdout/stderr into
// a private fd table.
func New(h *hart.Hart, mem *memory.Memory, tr trace.Tracer) (*Executor, error) {
	if tr == nil {
		tr = trace.NewNop()
	}
	fds, err := newFDTable()
	if err != nil {
		return nil, err
	}
	return &Executor{Hart: h, Mem: mem, Tracer: tr, fds: fds}, nil
}

// Close releases the executor's duplicated file descriptors.
func (e *Executor) Close() error {
	return e.fds.close()
}

// Step executes exactly one instruction, then services a pending HTIF
// command (if any), then advances PC and the cycle counter. When the
// command is SYS_exit, Step returns Exited without advancing PC or the
// cycle counter.
func (e *Executor) Step() (StepResult, error) {
	pc := e.Hart.PC()
	e.Hart.FetchAddress = pc

	word, err := e.Mem.ReadWord(pc)
	if err != nil {
		return StepResult{}, err
	}

	if err := e.dispatch(word, pc); err != nil {
		return StepResult{}, err
	}

	res, err := e.serviceHTIF()
	if err != nil {
		return StepResult{}, err
	}
	if res.Outcome == Exited {
		return res, nil
	}

	if e.Hart.BranchTaken {
		e.Hart.BranchTaken = false
	} else {
		e.Hart.SetPC(pc + 4)
	}
	e.Hart.CycleCount++

	return StepResult{Outcome: Continue}, nil
}

// dispatch decodes word (fetched at pc) and executes it, mutating the
// hart and memory as needed.
func (e *Executor) dispatch(word, pc uint32) error {
	opcode := isa.Opcode(word)

	switch opcode {
	case isa.OpLUI:
		return e.execLUI(word)
	case isa.OpAUIPC:
		return e.execAUIPC(word, pc)
	case isa.OpJAL:
		return e.execJAL(word, pc)
	case isa.OpJALR:
		return e.execJALR(word, pc)
	case isa.OpBranch:
		return e.execBranch(word, pc)
	case isa.OpLoad:
		return e.execLoad(word)
	case isa.OpStore:
		return e.execStore(word)
	case isa.OpOpImm:
		return e.execOpImm(word)
	case isa.OpOp:
		return e.execOp(word)
	case isa.OpFence:
		return nil
	case isa.OpSystem:
		return e.execSystem(word)
	default:
		return &UnknownOpcodeError{Opcode: opcode}
	}
}

func (e *Executor) execLUI(word uint32) error {
	u := isa.DecodeU(word)
	value := u.Imm20 << 12
	e.Hart.SetReg(u.Rd, value)
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, "LUI",
			trace.RegDst{Index: u.Rd}, trace.Imm{Value: value}, trace.RegWrite{Index: u.Rd, Value: value})
	}
	return nil
}

func (e *Executor) execAUIPC(word, pc uint32) error {
	u := isa.DecodeU(word)
	value := pc + (u.Imm20 << 12)
	e.Hart.SetReg(u.Rd, value)
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, "AUIPC",
			trace.RegDst{Index: u.Rd}, trace.Imm{Value: value}, trace.RegWrite{Index: u.Rd, Value: value})
	}
	return nil
}

func (e *Executor) execJAL(word, pc uint32) error {
	j := isa.DecodeJ(word)
	link := pc + 4
	target := pc + j.Imm
	e.Hart.SetReg(j.Rd, link)
	e.Hart.SetPC(target)
	e.Hart.BranchTaken = true
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, "JAL",
			trace.RegDst{Index: j.Rd}, trace.Imm{Value: j.Imm}, trace.RegWrite{Index: j.Rd, Value: link},
			trace.RegWrite{Index: uint32(hart.NumRegisters), Value: target})
	}
	return nil
}

func (e *Executor) execJALR(word, pc uint32) error {
	i := isa.DecodeI(word)
	rs1 := e.Hart.Reg(i.Rs1)
	target := (rs1 + i.Imm) &^ 1
	link := pc + 4
	e.Hart.SetReg(i.Rd, link)
	e.Hart.SetPC(target)
	e.Hart.BranchTaken = true
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, "JALR",
			trace.RegDst{Index: i.Rd}, trace.RegSrc{Index: i.Rs1, Value: rs1}, trace.Imm{Value: i.Imm},
			trace.RegWrite{Index: i.Rd, Value: link},
			trace.RegWrite{Index: uint32(hart.NumRegisters), Value: target})
	}
	return nil
}

func (e *Executor) execBranch(word, pc uint32) error {
	b := isa.DecodeB(word)
	rs1 := e.Hart.Reg(b.Rs1)
	rs2 := e.Hart.Reg(b.Rs2)

	var taken bool
	var mnemonic string
	switch b.Funct3 {
	case isa.Funct3BEQ:
		mnemonic, taken = "BEQ", rs1 == rs2
	case isa.Funct3BNE:
		mnemonic, taken = "BNE", rs1 != rs2
	case isa.Funct3BLT:
		mnemonic, taken = "BLT", int32(rs1) < int32(rs2)
	case isa.Funct3BGE:
		mnemonic, taken = "BGE", int32(rs1) >= int32(rs2)
	case isa.Funct3BLTU:
		mnemonic, taken = "BLTU", rs1 < rs2
	case isa.Funct3BGEU:
		mnemonic, taken = "BGEU", rs1 >= rs2
	default:
		return &UnknownFunctError{Opcode: isa.OpBranch, Funct3: b.Funct3}
	}

	if taken {
		e.Hart.SetPC(pc + b.Imm)
		e.Hart.BranchTaken = true
	}
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, mnemonic,
			trace.RegSrc{Index: b.Rs1, Value: rs1}, trace.RegSrc{Index: b.Rs2, Value: rs2}, trace.Imm{Value: b.Imm})
	}
	return nil
}

func (e *Executor) execLoad(word uint32) error {
	i := isa.DecodeI(word)
	rs1 := e.Hart.Reg(i.Rs1)
	ea := rs1 + i.Imm

	var value uint32
	var mnemonic string
	switch i.Funct3 {
	case isa.Funct3Byte:
		mnemonic = "LB"
		b, err := e.Mem.ReadByte(ea)
		if err != nil {
			return err
		}
		value = bits.SignExtend(uint32(b), 8)
	case isa.Funct3Half:
		mnemonic = "LH"
		h, err := e.Mem.ReadHalf(ea)
		if err != nil {
			return err
		}
		value = bits.SignExtend(uint32(h), 16)
	case isa.Funct3Word:
		mnemonic = "LW"
		w, err := e.Mem.ReadWord(ea)
		if err != nil {
			return err
		}
		value = w
	case isa.Funct3ByteUns:
		mnemonic = "LBU"
		b, err := e.Mem.ReadByte(ea)
		if err != nil {
			return err
		}
		value = uint32(b)
	case isa.Funct3HalfUns:
		mnemonic = "LHU"
		h, err := e.Mem.ReadHalf(ea)
		if err != nil {
			return err
		}
		value = uint32(h)
	default:
		return &UnknownFunctError{Opcode: isa.OpLoad, Funct3: i.Funct3}
	}

	e.Hart.SetReg(i.Rd, value)
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, mnemonic,
			trace.RegSrc{Index: i.Rs1, Value: rs1}, trace.Imm{Value: i.Imm}, trace.MemRead{Index: i.Rd, Addr: ea, Value: value})
	}
	return nil
}

func (e *Executor) execStore(word uint32) error {
	s := isa.DecodeS(word)
	rs1 := e.Hart.Reg(s.Rs1)
	rs2 := e.Hart.Reg(s.Rs2)
	ea := rs1 + s.Imm

	var mnemonic string
	var stored uint32
	switch s.Funct3 {
	case isa.Funct3Byte:
		mnemonic = "SB"
		stored = rs2 & 0xFF
		if err := e.Mem.WriteByte(ea, byte(stored)); err != nil {
			return err
		}
	case isa.Funct3Half:
		mnemonic = "SH"
		stored = rs2 & 0xFFFF
		if err := e.Mem.WriteHalf(ea, uint16(stored)); err != nil {
			return err
		}
	case isa.Funct3Word:
		mnemonic = "SW"
		stored = rs2
		if err := e.Mem.WriteWord(ea, stored); err != nil {
			return err
		}
	default:
		return &UnknownFunctError{Opcode: isa.OpStore, Funct3: s.Funct3}
	}

	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, mnemonic,
			trace.RegSrc{Index: s.Rs1, Value: rs1}, trace.RegSrc{Index: s.Rs2, Value: rs2}, trace.Imm{Value: s.Imm},
			trace.MemWrite{Addr: ea, Value: stored})
	}
	return nil
}

func (e *Executor) execOpImm(word uint32) error {
	funct3 := isa.Funct3(word)

	switch funct3 {
	case isa.Funct3SLL:
		sh := isa.DecodeIShift(word)
		if sh.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOpImm, Funct3: funct3, Funct7: sh.Funct7}
		}
		rs1 := e.Hart.Reg(sh.Rs1)
		value := rs1 << sh.Shamt
		e.Hart.SetReg(sh.Rd, value)
		e.traceOpImmShift("SLLI", sh.Rd, sh.Rs1, rs1, sh.Shamt, value)
		return nil
	case isa.Funct3SR:
		sh := isa.DecodeIShift(word)
		var value uint32
		var mnemonic string
		rs1 := e.Hart.Reg(sh.Rs1)
		switch sh.Funct7 {
		case isa.Funct7Base:
			mnemonic = "SRLI"
			value = rs1 >> sh.Shamt
		case isa.Funct7Alt:
			mnemonic = "SRAI"
			value = uint32(int32(rs1) >> sh.Shamt)
		default:
			return &UnknownFunctError{Opcode: isa.OpOpImm, Funct3: funct3, Funct7: sh.Funct7}
		}
		e.Hart.SetReg(sh.Rd, value)
		e.traceOpImmShift(mnemonic, sh.Rd, sh.Rs1, rs1, sh.Shamt, value)
		return nil
	}

	i := isa.DecodeI(word)
	rs1 := e.Hart.Reg(i.Rs1)
	var value uint32
	var mnemonic string
	switch funct3 {
	case isa.Funct3AddSub:
		mnemonic = "ADDI"
		value = rs1 + i.Imm
	case isa.Funct3SLT:
		mnemonic = "SLTI"
		value = boolToU32(int32(rs1) < int32(i.Imm))
	case isa.Funct3SLTU:
		mnemonic = "SLTIU"
		value = boolToU32(rs1 < i.Imm)
	case isa.Funct3XOR:
		mnemonic = "XORI"
		value = rs1 ^ i.Imm
	case isa.Funct3OR:
		mnemonic = "ORI"
		value = rs1 | i.Imm
	case isa.Funct3AND:
		mnemonic = "ANDI"
		value = rs1 & i.Imm
	default:
		return &UnknownFunctError{Opcode: isa.OpOpImm, Funct3: funct3}
	}

	e.Hart.SetReg(i.Rd, value)
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, mnemonic,
			trace.RegDst{Index: i.Rd}, trace.RegSrc{Index: i.Rs1, Value: rs1}, trace.Imm{Value: i.Imm},
			trace.RegWrite{Index: i.Rd, Value: value})
	}
	return nil
}

func (e *Executor) traceOpImmShift(mnemonic string, rd, rs1 uint32, rs1Val, shamt, value uint32) {
	if !e.Tracer.Enabled() {
		return
	}
	e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, mnemonic,
		trace.RegDst{Index: rd}, trace.RegSrc{Index: rs1, Value: rs1Val}, trace.Imm{Value: shamt},
		trace.RegWrite{Index: rd, Value: value})
}

func (e *Executor) execOp(word uint32) error {
	r := isa.DecodeR(word)
	rs1 := e.Hart.Reg(r.Rs1)
	rs2 := e.Hart.Reg(r.Rs2)

	var value uint32
	var mnemonic string
	switch r.Funct3 {
	case isa.Funct3AddSub:
		switch r.Funct7 {
		case isa.Funct7Base:
			mnemonic, value = "ADD", rs1+rs2
		case isa.Funct7Alt:
			mnemonic, value = "SUB", rs1-rs2
		default:
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
	case isa.Funct3SLL:
		if r.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
		mnemonic, value = "SLL", rs1<<(rs2&0x1F)
	case isa.Funct3SLT:
		if r.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
		mnemonic, value = "SLT", boolToU32(int32(rs1) < int32(rs2))
	case isa.Funct3SLTU:
		if r.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
		mnemonic, value = "SLTU", boolToU32(rs1 < rs2)
	case isa.Funct3XOR:
		if r.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
		mnemonic, value = "XOR", rs1^rs2
	case isa.Funct3SR:
		switch r.Funct7 {
		case isa.Funct7Base:
			mnemonic, value = "SRL", rs1>>(rs2&0x1F)
		case isa.Funct7Alt:
			mnemonic, value = "SRA", uint32(int32(rs1)>>(rs2&0x1F))
		default:
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
	case isa.Funct3OR:
		if r.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
		mnemonic, value = "OR", rs1|rs2
	case isa.Funct3AND:
		if r.Funct7 != isa.Funct7Base {
			return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
		}
		mnemonic, value = "AND", rs1&rs2
	default:
		return &UnknownFunctError{Opcode: isa.OpOp, Funct3: r.Funct3, Funct7: r.Funct7}
	}

	e.Hart.SetReg(r.Rd, value)
	if e.Tracer.Enabled() {
		e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, mnemonic,
			trace.RegDst{Index: r.Rd}, trace.RegSrc{Index: r.Rs1, Value: rs1}, trace.RegSrc{Index: r.Rs2, Value: rs2},
			trace.RegWrite{Index: r.Rd, Value: value})
	}
	return nil
}

func (e *Executor) execSystem(word uint32) error {
	i := isa.DecodeI(word)
	switch i.Imm {
	case 0:
		if e.Tracer.Enabled() {
			e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, "ECALL")
		}
		return nil
	case 1:
		if e.Tracer.Enabled() {
			e.Tracer.Emit(e.Hart.CycleCount, e.Hart.FetchAddress, "EBREAK")
		}
		return nil
	default:
		return &UnknownSysImmError{Imm: i.Imm}
	}
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// serviceHTIF checks the HTIF tohost channel after every instruction: if
// tohost is non-zero, it points to an 8-doubleword command block
// [id, a0..a6] in guest memory.
func (e *Executor) serviceHTIF() (StepResult, error) {
	tohost, err := e.Mem.ReadDouble(TohostAddr)
	if err != nil {
		return StepResult{}, err
	}
	if tohost == 0 {
		return StepResult{Outcome: Continue}, nil
	}

	cmdAddr := uint32(tohost)
	var cmd [8]uint64
	buf := make([]byte, 8*8)
	if err := e.Mem.Read(cmdAddr, buf); err != nil {
		return StepResult{}, err
	}
	for i := range cmd {
		cmd[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	id, a0, a1, a2 := cmd[0], cmd[1], cmd[2], cmd[3]

	var fromhost uint64
	var result StepResult
	switch id {
	case sysExit:
		result = StepResult{Outcome: Exited, ExitCode: uint32(a0)}
	case sysRead:
		n, err := e.htifRead(uint32(a0), a1, a2)
		if err != nil {
			return StepResult{}, err
		}
		fromhost = uint64(n)
	case sysWrite:
		n, err := e.htifWrite(uint32(a0), a1, a2)
		if err != nil {
			return StepResult{}, err
		}
		fromhost = uint64(n)
	default:
		return StepResult{}, &UnknownSyscallError{ID: id}
	}

	if err := e.Mem.WriteDouble(FromhostAddr, fromhost); err != nil {
		return StepResult{}, err
	}
	if err := e.Mem.WriteDouble(TohostAddr, 0); err != nil {
		return StepResult{}, err
	}
	return result, nil
}

func (e *Executor) htifRead(fd uint32, bufAddr, length uint64) (int, error) {
	local := make([]byte, length)
	n, err := e.fds.read(fd, local)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Mem.Write(uint32(bufAddr), local[:n]); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (e *Executor) htifWrite(fd uint32, bufAddr, length uint64) (int, error) {
	local := make([]byte, length)
	if err := e.Mem.Read(uint32(bufAddr), local); err != nil {
		return 0, err
	}
	return e.fds.write(fd, local)
}
