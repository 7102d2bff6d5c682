// Package sandbox implements the static security validator for CinderVM
// programs.
//
// Generated native code runs with full host privileges and no runtime
// checks, so every program must pass validation before any code is
// generated or executable memory is allocated. Validation proves that
// every control-transfer target, every memory offset, and every
// native-call identifier is within policy.
package sandbox

import (
	"errors"
	"fmt"

	"github.com/7avi/CinderVM/pkg/bytecode"
)

// Validation errors. All are fatal to compilation.
var (
	// ErrOutOfBoundsJump is returned for a jump target past the end of
	// the instruction sequence.
	ErrOutOfBoundsJump = errors.New("jump target out of bounds")

	// ErrOutOfBoundsMemoryAccess is returned for a load/store offset
	// past the declared memory size.
	ErrOutOfBoundsMemoryAccess = errors.New("memory access out of bounds")

	// ErrDisallowedNativeCall is returned for a native-call identifier
	// not present in the whitelist.
	ErrDisallowedNativeCall = errors.New("native call not in whitelist")
)

// Well-known native function identifiers whitelisted by default.
const (
	NativePrintInt uint32 = 0x01
	NativePrintStr uint32 = 0x02
)

// Sandbox is a validated view over one program: the program plus a set of
// whitelisted native-function identifiers. The whitelist may be extended
// before Validate runs, never after.
type Sandbox struct {
	program   *bytecode.Program
	allowed   map[uint32]bool
	validated bool
}

// New creates a sandbox for a program with the default whitelist.
func New(program *bytecode.Program) *Sandbox {
	return &Sandbox{
		program: program,
		allowed: map[uint32]bool{
			NativePrintInt: true,
			NativePrintStr: true,
		},
	}
}

// AllowNative adds a native function identifier to the whitelist.
// Calls after Validate are ignored: the validated view must not change
// underneath code emission.
func (s *Sandbox) AllowNative(id uint32) {
	if s.validated {
		return
	}
	s.allowed[id] = true
}

// IsNativeAllowed reports whether a native function is whitelisted.
// Code emission re-checks this during native-call emission rather than
// trusting the earlier validation pass.
func (s *Sandbox) IsNativeAllowed(id uint32) bool {
	return s.allowed[id]
}

// Validate checks every instruction against the sandbox policy. It is
// pure: no memory is allocated and no code is generated. The first
// violation encountered is returned, named with its instruction index.
func (s *Sandbox) Validate() error {
	s.validated = true

	n := len(s.program.Instructions)
	for idx, in := range s.program.Instructions {
		switch in.Op {
		case bytecode.OpJump, bytecode.OpJumpIfZero, bytecode.OpJumpIfNotZero:
			if in.Target < 0 || in.Target >= n {
				return fmt.Errorf("%w: instruction %d jumps to %d (program has %d instructions)",
					ErrOutOfBoundsJump, idx, in.Target, n)
			}

		case bytecode.OpLoad, bytecode.OpStore:
			if in.Offset < 0 || in.Offset >= s.program.MemorySize {
				return fmt.Errorf("%w: instruction %d uses offset %d (memory size %d)",
					ErrOutOfBoundsMemoryAccess, idx, in.Offset, s.program.MemorySize)
			}

		case bytecode.OpCallNative:
			if !s.IsNativeAllowed(in.Native) {
				return fmt.Errorf("%w: instruction %d calls 0x%X",
					ErrDisallowedNativeCall, idx, in.Native)
			}
		}
	}

	return nil
}
