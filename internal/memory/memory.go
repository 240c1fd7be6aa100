// Package memory implements the simulator's byte-addressable guest RAM: a
// flat region [Base, Base+Size) with little-endian word/half/byte and
// double-word accessors, alignment checking, and arbitrary-length block
// copies used by the ELF loader and the HTIF read/write trampoline.
package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultBase is the default guest base address.
const DefaultBase = 0x10000

// MisalignedAccessError reports a precondition violation on a word, half,
// or double-word access whose address does not satisfy the required
// alignment.
type MisalignedAccessError struct {
	Addr  uint32
	Width int
}

func (e *MisalignedAccessError) Error() string {
	return fmt.Sprintf("misaligned access: addr=0x%08x width=%d", e.Addr, e.Width)
}

// OutOfRangeError reports an access outside [Base, Base+Size).
type OutOfRangeError struct {
	Addr uint32
	Size uint32
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("address 0x%08x out of range for memory of size 0x%x", e.Addr, e.Size)
}

// Memory is a contiguous, flat byte-addressable region of guest RAM.
// Logical guest address a maps to physical offset a - Base.
type Memory struct {
	base uint32
	data []byte
}

// New allocates a zeroed memory region of size bytes starting at base.
func New(base, size uint32) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the guest address of the first byte of the region.
func (m *Memory) Base() uint32 { return m.base }

// Size returns the number of bytes in the region.
func (m *Memory) Size() uint32 { return uint32(len(m.data)) }

func (m *Memory) offset(addr uint32, width uint32) (uint32, error) {
	if addr < m.base {
		return 0, &OutOfRangeError{Addr: addr, Size: uint32(len(m.data))}
	}
	off := addr - m.base
	if uint64(off)+uint64(width) > uint64(len(m.data)) {
		return 0, &OutOfRangeError{Addr: addr, Size: uint32(len(m.data))}
	}
	return off, nil
}

// ReadByte reads a single byte; any alignment is permitted.
func (m *Memory) ReadByte(addr uint32) (uint8, error) {
	off, err := m.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	return m.data[off], nil
}

// WriteByte writes a single byte; any alignment is permitted.
func (m *Memory) WriteByte(addr uint32, v uint8) error {
	off, err := m.offset(addr, 1)
	if err != nil {
		return err
	}
	m.data[off] = v
	return nil
}

// ReadHalf reads a little-endian 16-bit half-word. addr must have its low
// bit clear (low two bits 00 or 10).
func (m *Memory) ReadHalf(addr uint32) (uint16, error) {
	if addr&0x1 != 0 {
		return 0, &MisalignedAccessError{Addr: addr, Width: 2}
	}
	off, err := m.offset(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.data[off : off+2]), nil
}

// WriteHalf writes a little-endian 16-bit half-word, preserving the other
// bytes of the containing word via a plain slice store (no masking needed:
// the backing store is byte granular).
func (m *Memory) WriteHalf(addr uint32, v uint16) error {
	if addr&0x1 != 0 {
		return &MisalignedAccessError{Addr: addr, Width: 2}
	}
	off, err := m.offset(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[off:off+2], v)
	return nil
}

// ReadWord reads a little-endian 32-bit word. addr must be 4-byte aligned.
func (m *Memory) ReadWord(addr uint32) (uint32, error) {
	if addr&0x3 != 0 {
		return 0, &MisalignedAccessError{Addr: addr, Width: 4}
	}
	off, err := m.offset(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[off : off+4]), nil
}

// WriteWord writes a little-endian 32-bit word. addr must be 4-byte aligned.
func (m *Memory) WriteWord(addr uint32, v uint32) error {
	if addr&0x3 != 0 {
		return &MisalignedAccessError{Addr: addr, Width: 4}
	}
	off, err := m.offset(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[off:off+4], v)
	return nil
}

// ReadDouble reads a little-endian 64-bit double-word. Used only by HTIF.
// addr must be 8-byte aligned.
func (m *Memory) ReadDouble(addr uint32) (uint64, error) {
	if addr&0x7 != 0 {
		return 0, &MisalignedAccessError{Addr: addr, Width: 8}
	}
	off, err := m.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.data[off : off+8]), nil
}

// WriteDouble writes a little-endian 64-bit double-word. Used only by HTIF.
// addr must be 8-byte aligned.
func (m *Memory) WriteDouble(addr uint32, v uint64) error {
	if addr&0x7 != 0 {
		return &MisalignedAccessError{Addr: addr, Width: 8}
	}
	off, err := m.offset(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.data[off:off+8], v)
	return nil
}

// Read copies len(buf) bytes starting at addr into buf. No alignment is
// required; used for raw block transfers (ELF segment loads, HTIF
// read/write payloads).
func (m *Memory) Read(addr uint32, buf []byte) error {
	off, err := m.offset(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, m.data[off:off+uint32(len(buf))])
	return nil
}

// Write copies len bytes from buf into memory starting at addr.
func (m *Memory) Write(addr uint32, buf []byte) error {
	off, err := m.offset(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(m.data[off:off+uint32(len(buf))], buf)
	return nil
}

// Digest returns a Keccak-256 checksum of the memory image, used by test
// fixtures and the CLI's inspection path to detect unintended corruption
// of the loaded program image across a run.
func (m *Memory) Digest() [32]byte {
	return crypto.Keccak256Hash(m.data)
}
