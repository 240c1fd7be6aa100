// Package isa decodes a 32-bit RV32I instruction word into one of the six
// instruction formats (R, I, S, B, U, J) and exposes the opcode/funct
// constants the executor dispatches on.
package isa

import "github.com/rvsim/rv32i/internal/bits"

// Opcode values, bits 6:0 of the instruction word.
const (
	OpLoad   = 0b0000011
	OpOpImm  = 0b0010011
	OpAUIPC  = 0b0010111
	OpStore  = 0b0100011
	OpOp     = 0b0110011
	OpLUI    = 0b0110111
	OpBranch = 0b1100011
	OpJALR   = 0b1100111
	OpJAL    = 0b1101111
	OpSystem = 0b1110011
	OpFence  = 0b0001111
)

// funct3 values shared across OP-IMM and OP.
const (
	Funct3AddSub = 0b000
	Funct3SLL    = 0b001
	Funct3SLT    = 0b010
	Funct3SLTU   = 0b011
	Funct3XOR    = 0b100
	Funct3SR     = 0b101
	Funct3OR     = 0b110
	Funct3AND    = 0b111
)

// funct3 values for BRANCH.
const (
	Funct3BEQ  = 0b000
	Funct3BNE  = 0b001
	Funct3BLT  = 0b100
	Funct3BGE  = 0b101
	Funct3BLTU = 0b110
	Funct3BGEU = 0b111
)

// funct3 values for LOAD/STORE.
const (
	Funct3Byte     = 0b000
	Funct3Half     = 0b001
	Funct3Word     = 0b010
	Funct3ByteUns  = 0b100
	Funct3HalfUns  = 0b101
)

// funct7 values distinguishing SUB/SRA from ADD/SRL, and shift-type bit.
const (
	Funct7Base = 0b0000000
	Funct7Alt  = 0b0100000
)

// Opcode extracts the primary 7-bit opcode (bits 6:0).
func Opcode(instr uint32) uint32 { return bits.Extract(instr, 0, 7) }

// Funct3 extracts the 3-bit funct3 field (bits 14:12).
func Funct3(instr uint32) uint32 { return bits.Extract(instr, 12, 3) }

// Funct7 extracts the 7-bit funct7 field (bits 31:25).
func Funct7(instr uint32) uint32 { return bits.Extract(instr, 25, 7) }

// RType holds the decoded fields of an R-format instruction.
type RType struct {
	Rd, Rs1, Rs2   uint32
	Funct3, Funct7 uint32
}

// DecodeR decodes an R-format instruction word.
func DecodeR(instr uint32) RType {
	return RType{
		Rd:     bits.ExtractRange(instr, 11, 7),
		Rs1:    bits.ExtractRange(instr, 19, 15),
		Rs2:    bits.ExtractRange(instr, 24, 20),
		Funct3: Funct3(instr),
		Funct7: Funct7(instr),
	}
}

// IType holds the decoded fields of an I-format instruction. Imm is
// already sign-extended to 32 bits.
type IType struct {
	Rd, Rs1 uint32
	Funct3  uint32
	Imm     uint32
}

// DecodeI decodes an I-format instruction word.
func DecodeI(instr uint32) IType {
	raw := bits.ExtractRange(instr, 31, 20)
	return IType{
		Rd:     bits.ExtractRange(instr, 11, 7),
		Rs1:    bits.ExtractRange(instr, 19, 15),
		Funct3: Funct3(instr),
		Imm:    bits.SignExtend(raw, 12),
	}
}

// IShiftType holds the decoded fields of an I-shift-format instruction
// (OP-IMM SLLI/SRLI/SRAI): a 5-bit unsigned shamt plus funct7.
type IShiftType struct {
	Rd, Rs1 uint32
	Funct3  uint32
	Shamt   uint32
	Funct7  uint32
}

// DecodeIShift decodes an I-shift-format instruction word.
func DecodeIShift(instr uint32) IShiftType {
	return IShiftType{
		Rd:     bits.ExtractRange(instr, 11, 7),
		Rs1:    bits.ExtractRange(instr, 19, 15),
		Funct3: Funct3(instr),
		Shamt:  bits.ExtractRange(instr, 24, 20),
		Funct7: Funct7(instr),
	}
}

// SType holds the decoded fields of an S-format instruction. Imm is
// already sign-extended to 32 bits.
type SType struct {
	Rs1, Rs2 uint32
	Funct3   uint32
	Imm      uint32
}

// DecodeS decodes an S-format instruction word.
func DecodeS(instr uint32) SType {
	lo := bits.ExtractRange(instr, 11, 7)
	hi := bits.ExtractRange(instr, 31, 25)
	raw := bits.Insert(lo, hi, 5, 7)
	return SType{
		Rs1:    bits.ExtractRange(instr, 19, 15),
		Rs2:    bits.ExtractRange(instr, 24, 20),
		Funct3: Funct3(instr),
		Imm:    bits.SignExtend(raw, 12),
	}
}

// BType holds the decoded fields of a B-format instruction. Imm is the
// signed byte offset (already sign-extended and multiplied by 2; the
// encoded LSB is implicit zero).
type BType struct {
	Rs1, Rs2 uint32
	Funct3   uint32
	Imm      uint32
}

// DecodeB decodes a B-format instruction word.
func DecodeB(instr uint32) BType {
	bit11 := bits.ExtractRange(instr, 7, 7)
	bits4_1 := bits.ExtractRange(instr, 11, 8)
	bits10_5 := bits.ExtractRange(instr, 30, 25)
	bit12 := bits.ExtractRange(instr, 31, 31)

	raw := uint32(0)
	raw = bits.Insert(raw, bits4_1, 1, 4)
	raw = bits.Insert(raw, bits10_5, 5, 6)
	raw = bits.Insert(raw, bit11, 11, 1)
	raw = bits.Insert(raw, bit12, 12, 1)

	return BType{
		Rs1:    bits.ExtractRange(instr, 19, 15),
		Rs2:    bits.ExtractRange(instr, 24, 20),
		Funct3: Funct3(instr),
		Imm:    bits.SignExtend(raw, 13),
	}
}

// UType holds the decoded fields of a U-format instruction. Imm20 holds
// the raw 20-bit field as encoded (bits 31:12 of the instruction, placed
// in bits 19:0 of Imm20); callers shift left by 12 as needed.
type UType struct {
	Rd    uint32
	Imm20 uint32
}

// DecodeU decodes a U-format instruction word.
func DecodeU(instr uint32) UType {
	return UType{
		Rd:    bits.ExtractRange(instr, 11, 7),
		Imm20: bits.ExtractRange(instr, 31, 12),
	}
}

// JType holds the decoded fields of a J-format instruction. Imm is the
// signed byte offset (already sign-extended and multiplied by 2).
type JType struct {
	Rd  uint32
	Imm uint32
}

// DecodeJ decodes a J-format instruction word.
func DecodeJ(instr uint32) JType {
	bits19_12 := bits.ExtractRange(instr, 19, 12)
	bit11 := bits.ExtractRange(instr, 20, 20)
	bits10_1 := bits.ExtractRange(instr, 30, 21)
	bit20 := bits.ExtractRange(instr, 31, 31)

	raw := uint32(0)
	raw = bits.Insert(raw, bits10_1, 1, 10)
	raw = bits.Insert(raw, bit11, 11, 1)
	raw = bits.Insert(raw, bits19_12, 12, 8)
	raw = bits.Insert(raw, bit20, 20, 1)

	return JType{
		Rd:  bits.ExtractRange(instr, 11, 7),
		Imm: bits.SignExtend(raw, 21),
	}
}
