// Package execmem manages executable (read+write+execute) memory regions
// for generated machine code.
//
// A Memory is one exclusively owned RWX region requested from the
// operating system. All writes are bounds-checked against the requested
// size, and the region is released exactly once. Platform backends are
// selected at build time: mmap_unix.go maps anonymous private pages via
// golang.org/x/sys/unix, and mmap_stub.go refuses allocation elsewhere.
package execmem

import (
	"errors"
	"unsafe"
)

// Allocation and access errors.
var (
	// ErrInvalidSize is returned for a zero-size allocation request.
	ErrInvalidSize = errors.New("invalid allocation size")

	// ErrAllocationFailed is returned when the operating system denies
	// the mapping request.
	ErrAllocationFailed = errors.New("executable memory allocation failed")

	// ErrWriteOutOfBounds is returned for a write or read extending past
	// the region.
	ErrWriteOutOfBounds = errors.New("access outside memory bounds")

	// ErrReleased is returned when operating on a released region.
	ErrReleased = errors.New("executable memory released")

	// ErrUnsupportedPlatform is returned by Allocate on platforms
	// without an RWX backend.
	ErrUnsupportedPlatform = errors.New("executable memory unsupported on this platform")
)

// Memory is one exclusively owned RWX region. It is not safe for
// concurrent use; ownership may be transferred between goroutines but
// never shared.
type Memory struct {
	buf  []byte // OS mapping, possibly page-rounded past size
	size int    // requested capacity
}

// Allocate requests one RWX region of size bytes. The mapping is
// page-rounded internally; Size reports the requested capacity.
func Allocate(size int) (*Memory, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	buf, err := mapExecutable(size)
	if err != nil {
		return nil, err
	}
	return &Memory{buf: buf, size: size}, nil
}

// Size returns the requested capacity in bytes.
func (m *Memory) Size() int {
	return m.size
}

// Write copies b into the region at offset, overwriting prior contents.
// Bytes outside [offset, offset+len(b)) are unaffected; a write that
// would extend past Size fails without touching the region.
func (m *Memory) Write(offset int, b []byte) error {
	if m.buf == nil {
		return ErrReleased
	}
	if offset < 0 || offset+len(b) > m.size {
		return ErrWriteOutOfBounds
	}
	copy(m.buf[offset:], b)
	return nil
}

// Bytes returns a copy of n bytes starting at offset.
func (m *Memory) Bytes(offset, n int) ([]byte, error) {
	if m.buf == nil {
		return nil, ErrReleased
	}
	if offset < 0 || n < 0 || offset+n > m.size {
		return nil, ErrWriteOutOfBounds
	}
	out := make([]byte, n)
	copy(out, m.buf[offset:offset+n])
	return out, nil
}

// Addr returns the region's base address, the native entry point once
// code has been written. Returns 0 after release.
func (m *Memory) Addr() uintptr {
	if m.buf == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.buf[0]))
}

// Release returns the region to the operating system. It is idempotent;
// after release every other method fails with ErrReleased.
func (m *Memory) Release() error {
	if m.buf == nil {
		return nil
	}
	err := unmapExecutable(m.buf)
	m.buf = nil
	return err
}
