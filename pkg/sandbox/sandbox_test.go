package sandbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/7avi/CinderVM/pkg/bytecode"
)

// TestValidateJumpBounds checks that a jump past the end of the program
// is rejected and named with its instruction index.
func TestValidateJumpBounds(t *testing.T) {
	p := bytecode.NewProgram([]bytecode.Instruction{
		bytecode.Jump(5),
		bytecode.PushInt(1),
		{Op: bytecode.OpHalt},
	}, 64)

	err := New(p).Validate()
	if !errors.Is(err, ErrOutOfBoundsJump) {
		t.Fatalf("Validate() = %v, want ErrOutOfBoundsJump", err)
	}
	if !strings.Contains(err.Error(), "instruction 0") {
		t.Errorf("error %q does not name instruction 0", err)
	}

	for _, op := range []bytecode.OpCode{bytecode.OpJumpIfZero, bytecode.OpJumpIfNotZero} {
		p := bytecode.NewProgram([]bytecode.Instruction{
			{Op: op, Target: 3},
		}, 64)
		if err := New(p).Validate(); !errors.Is(err, ErrOutOfBoundsJump) {
			t.Errorf("%s: Validate() = %v, want ErrOutOfBoundsJump", op, err)
		}
	}
}

// TestValidateMemoryBounds checks load/store offsets against the
// declared memory size.
func TestValidateMemoryBounds(t *testing.T) {
	p := bytecode.NewProgram([]bytecode.Instruction{
		bytecode.Load(2000),
	}, 1024)
	if err := New(p).Validate(); !errors.Is(err, ErrOutOfBoundsMemoryAccess) {
		t.Errorf("Load 2000: Validate() = %v, want ErrOutOfBoundsMemoryAccess", err)
	}

	p = bytecode.NewProgram([]bytecode.Instruction{
		bytecode.Store(1024),
	}, 1024)
	if err := New(p).Validate(); !errors.Is(err, ErrOutOfBoundsMemoryAccess) {
		t.Errorf("Store 1024: Validate() = %v, want ErrOutOfBoundsMemoryAccess", err)
	}

	// Last valid offset is fine.
	p = bytecode.NewProgram([]bytecode.Instruction{
		bytecode.Store(1023),
		bytecode.Load(1023),
	}, 1024)
	if err := New(p).Validate(); err != nil {
		t.Errorf("offset 1023: Validate() = %v, want nil", err)
	}
}

// TestWhitelist checks the default whitelist and extension before
// validation.
func TestWhitelist(t *testing.T) {
	p := bytecode.NewProgram(nil, 64)
	s := New(p)

	if !s.IsNativeAllowed(0x01) {
		t.Error("IsNativeAllowed(0x01) = false, want true")
	}
	if !s.IsNativeAllowed(0x02) {
		t.Error("IsNativeAllowed(0x02) = false, want true")
	}
	if s.IsNativeAllowed(0x1234) {
		t.Error("IsNativeAllowed(0x1234) = true, want false")
	}

	s.AllowNative(0x1234)
	if !s.IsNativeAllowed(0x1234) {
		t.Error("after AllowNative: IsNativeAllowed(0x1234) = false, want true")
	}
}

// TestWhitelistFrozenAfterValidate checks that the whitelist cannot be
// extended once validation has run.
func TestWhitelistFrozenAfterValidate(t *testing.T) {
	p := bytecode.NewProgram(nil, 64)
	s := New(p)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	s.AllowNative(0x99)
	if s.IsNativeAllowed(0x99) {
		t.Error("AllowNative after Validate took effect, want ignored")
	}
}

// TestValidateNativeCalls checks whitelist enforcement per call site.
func TestValidateNativeCalls(t *testing.T) {
	p := bytecode.NewProgram([]bytecode.Instruction{
		bytecode.CallNative(0x01),
		bytecode.CallNative(0xBEEF),
	}, 64)

	err := New(p).Validate()
	if !errors.Is(err, ErrDisallowedNativeCall) {
		t.Fatalf("Validate() = %v, want ErrDisallowedNativeCall", err)
	}
	if !strings.Contains(err.Error(), "instruction 1") {
		t.Errorf("error %q does not name instruction 1", err)
	}

	s := New(p)
	s.AllowNative(0xBEEF)
	if err := s.Validate(); err != nil {
		t.Errorf("after AllowNative: Validate() = %v, want nil", err)
	}
}

// TestValidatePassThrough checks that unconstrained instructions impose
// no policy.
func TestValidatePassThrough(t *testing.T) {
	p := bytecode.NewProgram([]bytecode.Instruction{
		bytecode.PushInt(1),
		bytecode.PushReg(3),
		{Op: bytecode.OpPop},
		{Op: bytecode.OpAdd},
		{Op: bytecode.OpDiv},
		{Op: bytecode.OpEq},
		{Op: bytecode.OpReturn},
		{Op: bytecode.OpHalt},
	}, 1)
	if err := New(p).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
