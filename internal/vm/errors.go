package vm

import "fmt"

// UnknownOpcodeError reports an instruction word whose primary opcode
// (bits 6:0) has no dispatch mapping.
type UnknownOpcodeError struct {
	Opcode uint32
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode: 0x%02x", e.Opcode)
}

// UnknownFunctError reports a recognised opcode whose funct3/funct7
// combination has no handler (e.g. a shift with an unrecognised
// funct7, or an OP/OP-IMM funct3 with a funct7 other than the base or
// alternate encoding).
type UnknownFunctError struct {
	Opcode uint32
	Funct3 uint32
	Funct7 uint32
}

func (e *UnknownFunctError) Error() string {
	return fmt.Sprintf("unknown funct3/funct7 for opcode 0x%02x: funct3=0x%x funct7=0x%x", e.Opcode, e.Funct3, e.Funct7)
}

// UnknownSysImmError reports a SYSTEM instruction whose immediate is
// neither 0 (ECALL) nor 1 (EBREAK).
type UnknownSysImmError struct {
	Imm uint32
}

func (e *UnknownSysImmError) Error() string {
	return fmt.Sprintf("unknown SYSTEM immediate: %d", e.Imm)
}

// UnknownSyscallError reports an HTIF command whose id is not one of
// SYS_read, SYS_write, SYS_exit.
type UnknownSyscallError struct {
	ID uint64
}

func (e *UnknownSyscallError) Error() string {
	return fmt.Sprintf("unknown HTIF syscall id: %d", e.ID)
}

// InvalidFileDescriptorError reports an HTIF read/write command whose
// fd does not name a slot in the executor's file descriptor table.
type InvalidFileDescriptorError struct {
	FD uint32
}

func (e *InvalidFileDescriptorError) Error() string {
	return fmt.Sprintf("invalid file descriptor: %d", e.FD)
}
