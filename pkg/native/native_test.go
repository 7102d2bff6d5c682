package native

import (
	"errors"
	"testing"

	"github.com/7avi/CinderVM/pkg/sandbox"
)

func TestDefaultRegistrations(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup(sandbox.NativePrintInt); !ok {
		t.Error("print_int not registered by default")
	}
	if _, ok := r.Lookup(sandbox.NativePrintStr); !ok {
		t.Error("print_str not registered by default")
	}
	if _, ok := r.Lookup(0x7777); ok {
		t.Error("Lookup(0x7777) = ok, want miss")
	}
}

func TestRegisterAndName(t *testing.T) {
	r := NewRegistry()
	r.Register(0x40, "double", func(arg int64) int64 { return arg * 2 })

	fn, ok := r.Lookup(0x40)
	if !ok {
		t.Fatal("Lookup(0x40) missed after Register")
	}
	if got := fn(21); got != 42 {
		t.Errorf("fn(21) = %d, want 42", got)
	}

	if got := r.Name(0x40); got != "double" {
		t.Errorf("Name(0x40) = %q, want %q", got, "double")
	}
	if got := r.Name(0xABCD); got != "native_0xABCD" {
		t.Errorf("Name(0xABCD) = %q, want %q", got, "native_0xABCD")
	}
}

func TestEntryAddrUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.EntryAddr(0xDEAD)
	if !errors.Is(err, ErrUnknownNative) {
		t.Fatalf("EntryAddr(0xDEAD) error = %v, want ErrUnknownNative", err)
	}
}
