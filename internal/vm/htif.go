package vm

import (
	"os"
	"syscall"
)

// Guest-visible HTIF register addresses: the guest signals a pending
// command by writing a nonzero value to tohost, and the host acknowledges
// by writing the result to fromhost.
const (
	TohostAddr   = 0x2000
	FromhostAddr = 0x2008
)

// HTIF command ids recognised on the tohost channel.
const (
	sysRead  = 63
	sysWrite = 64
	sysExit  = 93
)

// fdTable maps the small set of guest-visible file descriptors (0, 1, 2)
// onto duplicates of the host's stdin/stdout/stderr, so guest I/O reaches
// the simulator's own console without letting the guest touch the host's
// original descriptors directly.
type fdTable struct {
	files [3]*os.File
}

// newFDTable dups the host's stdin/stdout/stderr into a private table
// owned by the executor for its lifetime.
func newFDTable() (*fdTable, error) {
	var t fdTable
	sources := [3]*os.File{os.Stdin, os.Stdout, os.Stderr}
	for i, src := range sources {
		dup, err := syscall.Dup(int(src.Fd()))
		if err != nil {
			t.close()
			return nil, err
		}
		t.files[i] = os.NewFile(uintptr(dup), src.Name())
	}
	return &t, nil
}

func (t *fdTable) read(fd uint32, buf []byte) (int, error) {
	if fd >= uint32(len(t.files)) {
		return 0, &InvalidFileDescriptorError{FD: fd}
	}
	return t.files[fd].Read(buf)
}

func (t *fdTable) write(fd uint32, buf []byte) (int, error) {
	if fd >= uint32(len(t.files)) {
		return 0, &InvalidFileDescriptorError{FD: fd}
	}
	return t.files[fd].Write(buf)
}

func (t *fdTable) close() error {
	var firstErr error
	for _, f := range t.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
