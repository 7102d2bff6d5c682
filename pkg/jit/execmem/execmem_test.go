//go:build unix

package execmem

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocateInvalidSize(t *testing.T) {
	if _, err := Allocate(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Allocate(0) error = %v, want ErrInvalidSize", err)
	}
	if _, err := Allocate(-1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Allocate(-1) error = %v, want ErrInvalidSize", err)
	}
}

func TestAllocateReportsRequestedSize(t *testing.T) {
	m, err := Allocate(64)
	if err != nil {
		t.Fatalf("Allocate(64): %v", err)
	}
	defer m.Release()

	if got := m.Size(); got != 64 {
		t.Errorf("Size() = %d, want 64", got)
	}
	if m.Addr() == 0 {
		t.Error("Addr() = 0, want non-zero")
	}
}

func TestWriteAndReadBack(t *testing.T) {
	m, err := Allocate(64)
	if err != nil {
		t.Fatalf("Allocate(64): %v", err)
	}
	defer m.Release()

	code := []byte{0x48, 0xC7, 0xC0, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	if err := m.Write(0, code); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Bytes(0, len(code))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, code) {
		t.Errorf("Bytes() = %x, want %x", got, code)
	}
}

func TestWriteOutOfBounds(t *testing.T) {
	m, err := Allocate(64)
	if err != nil {
		t.Fatalf("Allocate(64): %v", err)
	}
	defer m.Release()

	marker := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	if err := m.Write(60, marker); err != nil {
		t.Fatalf("Write at tail: %v", err)
	}

	// A write spilling past the requested size fails and leaves the
	// region untouched even though the OS mapping is page-rounded.
	if err := m.Write(60, []byte{1, 2, 3, 4, 5}); !errors.Is(err, ErrWriteOutOfBounds) {
		t.Fatalf("overflowing Write error = %v, want ErrWriteOutOfBounds", err)
	}
	got, err := m.Bytes(60, 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, marker) {
		t.Errorf("tail bytes = %x after failed write, want %x", got, marker)
	}

	if err := m.Write(-1, []byte{0}); !errors.Is(err, ErrWriteOutOfBounds) {
		t.Errorf("Write(-1) error = %v, want ErrWriteOutOfBounds", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m, err := Allocate(32)
	if err != nil {
		t.Fatalf("Allocate(32): %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if err := m.Write(0, []byte{0}); !errors.Is(err, ErrReleased) {
		t.Errorf("Write after release error = %v, want ErrReleased", err)
	}
	if _, err := m.Bytes(0, 1); !errors.Is(err, ErrReleased) {
		t.Errorf("Bytes after release error = %v, want ErrReleased", err)
	}
	if m.Addr() != 0 {
		t.Error("Addr() after release != 0")
	}
}
