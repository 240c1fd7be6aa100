// Package loader loads a statically-linked 32-bit little-endian RISC-V
// ELF executable into guest memory and exposes its symbol table. It is
// built entirely on the standard library's debug/elf decoder; the
// executor never parses ELF structures itself.
package loader

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rvsim/rv32i/internal/memory"
)

// emRISCV is the ELF e_machine value for RISC-V, written out as the literal
// 243 (the same value as debug/elf.EM_RISCV).
const emRISCV = 243

// LoaderError wraps any ELF validation or load failure encountered while
// preparing a guest memory image.
type LoaderError struct {
	Path string
	Err  error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("loader: %s: %v", e.Path, e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }

// Symbol is one named entry of a loaded ELF's symbol table.
type Symbol struct {
	Name  string
	Value uint32
}

// Image is the result of loading an ELF executable: a populated Memory,
// the entry PC, and a symbol table: a map for lookup by name (used to
// resolve "_start") and a slice sorted by address for O(log n) lookup by
// address (used by the trace formatter's "[symbol]" field).
type Image struct {
	Entry   uint32
	symbols []Symbol // sorted by Value
	byName  map[string]uint32
}

// FindSymbol returns the address of the symbol named name, and whether it
// was found.
func (img *Image) FindSymbol(name string) (uint32, bool) {
	addr, ok := img.byName[name]
	return addr, ok
}

// SymbolAt returns the name of the symbol whose address equals addr
// exactly, or "" if none matches. Used for trace-line symbolisation; it
// does not attempt range containment, matching the common convention of
// symbolising only instructions that are themselves a symbol's entry
// point.
func (img *Image) SymbolAt(addr uint32) string {
	i := sort.Search(len(img.symbols), func(i int) bool { return img.symbols[i].Value >= addr })
	if i < len(img.symbols) && img.symbols[i].Value == addr {
		return img.symbols[i].Name
	}
	return ""
}

// Load validates and loads the ELF executable at path into a newly
// allocated Memory of size bytes starting at base, returning the
// populated Image. Missing "_start" is a fatal LoaderError. logger may be
// nil to disable the per-segment byte-count log lines.
func Load(path string, base, size uint32, logger log.Logger) (*Image, *memory.Memory, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, &LoaderError{Path: path, Err: err}
	}
	defer f.Close()

	if err := validate(f); err != nil {
		return nil, nil, &LoaderError{Path: path, Err: err}
	}

	mem := memory.New(base, size)
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Paddr < uint64(base) {
			return nil, nil, &LoaderError{Path: path, Err: fmt.Errorf("segment %d paddr 0x%x below memory base 0x%x", i, prog.Paddr, base)}
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return nil, nil, &LoaderError{Path: path, Err: fmt.Errorf("segment %d: %w", i, err)}
		}
		offset := uint32(prog.Paddr) - base
		if err := mem.Write(base+offset, buf); err != nil {
			return nil, nil, &LoaderError{Path: path, Err: fmt.Errorf("segment %d does not fit memory: %w", i, err)}
		}
		if logger != nil {
			logger.Debug("loaded segment", "index", i, "paddr", fmt.Sprintf("0x%08x", prog.Paddr), "bytes", len(buf))
		}
	}

	symtab, err := f.Symbols()
	if err != nil {
		return nil, nil, &LoaderError{Path: path, Err: fmt.Errorf("failed to read symbol table: %w", err)}
	}

	img := &Image{byName: make(map[string]uint32, len(symtab))}
	for _, sym := range symtab {
		if sym.Name == "" {
			continue
		}
		img.symbols = append(img.symbols, Symbol{Name: sym.Name, Value: uint32(sym.Value)})
		img.byName[sym.Name] = uint32(sym.Value)
	}
	sort.Slice(img.symbols, func(i, j int) bool { return img.symbols[i].Value < img.symbols[j].Value })

	entry, ok := img.FindSymbol("_start")
	if !ok {
		return nil, nil, &LoaderError{Path: path, Err: fmt.Errorf("missing required entry symbol _start")}
	}
	img.Entry = entry

	return img, mem, nil
}

func validate(f *elf.File) error {
	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("expected ELFCLASS32, got %s", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("expected ELFDATA2LSB (little-endian), got %s", f.Data)
	}
	if f.Type != elf.ET_EXEC {
		return fmt.Errorf("expected ET_EXEC (statically linked executable), got %s", f.Type)
	}
	if uint16(f.Machine) != emRISCV {
		return fmt.Errorf("expected e_machine == EM_RISCV (243), got %d", f.Machine)
	}
	if f.Version != elf.EV_CURRENT {
		return fmt.Errorf("expected e_version == 1, got %d", f.Version)
	}
	return nil
}
