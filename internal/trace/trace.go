// Package trace implements the operand-polymorphic single-line
// per-instruction trace record emitter. A Tracer is an explicit
// collaborator passed to the executor; NewNop returns a zero-cost
// implementation so disabling tracing elides all formatting work from the
// hot path.
package trace

import (
	"fmt"
	"io"
	"strings"

	"github.com/rvsim/rv32i/internal/hart"
)

// Operand is a trace-line operand. Each concrete type renders itself
// differently: a register destination shows its ABI name, a register
// source shows "name (0xVAL)", an immediate shows its signed decimal
// value, a register write shows "name=0xVAL", a memory write shows
// "mem[0xADDR]=0xVAL", and a memory read shows
// "name=0xVAL from mem[0xADDR]".
type Operand interface {
	render() string
}

// RegDst names a destination register operand by index.
type RegDst struct{ Index uint32 }

func (o RegDst) render() string { return regName(o.Index) }

// RegSrc names a source register operand, carrying the value captured at
// dispatch time.
type RegSrc struct {
	Index uint32
	Value uint32
}

func (o RegSrc) render() string {
	return fmt.Sprintf("%s (0x%x)", regName(o.Index), o.Value)
}

// Imm is an immediate operand, rendered as a signed decimal value.
type Imm struct{ Value uint32 }

func (o Imm) render() string { return fmt.Sprintf("%d", int32(o.Value)) }

// RegWrite records that a register was written with a new value.
type RegWrite struct {
	Index uint32
	Value uint32
}

func (o RegWrite) render() string {
	return fmt.Sprintf("%s=0x%x", regName(o.Index), o.Value)
}

// MemWrite records that memory at Addr was written with Value.
type MemWrite struct {
	Addr  uint32
	Value uint32
}

func (o MemWrite) render() string {
	return fmt.Sprintf("mem[0x%x]=0x%x", o.Addr, o.Value)
}

// MemRead records that register Index was loaded with Value read from
// memory at Addr.
type MemRead struct {
	Index uint32
	Addr  uint32
	Value uint32
}

func (o MemRead) render() string {
	return fmt.Sprintf("%s=0x%x from mem[0x%x]", regName(o.Index), o.Value, o.Addr)
}

func regName(index uint32) string {
	if index == uint32(hart.NumRegisters) {
		return "pc"
	}
	return hart.ABINames[index]
}

// SymbolLookup resolves the symbol (if any) for addr, for the
// "[<symbol-name>]" trace field; it returns "" when there is none.
// Implemented by the ELF loader's symbol table, which matches only
// addresses that are exactly a symbol's value.
type SymbolLookup func(addr uint32) string

// Tracer consumes one fully-formed instruction record per step.
type Tracer interface {
	// Enabled reports whether the executor should bother constructing
	// trace operands at all; a Nop tracer always reports false so the
	// dispatch path can skip operand construction entirely.
	Enabled() bool

	// Emit writes one trace line: cycle, PC, symbol, mnemonic, operands.
	Emit(cycle uint64, pc uint32, mnemonic string, operands ...Operand)
}

// nop is the zero-cost Tracer used when tracing is disabled.
type nop struct{}

func (nop) Enabled() bool { return false }
func (nop) Emit(uint64, uint32, string, ...Operand) {}

// NewNop returns a Tracer that does no work; the executor's step path
// checks Enabled() before constructing any operands, so tracing's
// formatting cost is fully elided when disabled.
func NewNop() Tracer { return nop{} }

// LineTracer writes one formatted line per instruction to an io.Writer:
//
//	<cycle> <hex-pc> [<symbol-name>] <mnemonic> <operands...>
type LineTracer struct {
	w      io.Writer
	lookup SymbolLookup
}

// NewLineTracer returns a Tracer that writes to w, resolving symbol names
// via lookup (pass nil to omit the "[symbol]" field).
func NewLineTracer(w io.Writer, lookup SymbolLookup) *LineTracer {
	return &LineTracer{w: w, lookup: lookup}
}

func (t *LineTracer) Enabled() bool { return true }

func (t *LineTracer) Emit(cycle uint64, pc uint32, mnemonic string, operands ...Operand) {
	var b strings.Builder
	fmt.Fprintf(&b, "%d 0x%08x", cycle, pc)
	if t.lookup != nil {
		if name := t.lookup(pc); name != "" {
			fmt.Fprintf(&b, " [%s]", name)
		}
	}
	fmt.Fprintf(&b, " %s", mnemonic)
	for _, op := range operands {
		fmt.Fprintf(&b, " %s", op.render())
	}
	fmt.Fprintln(t.w, b.String())
}
