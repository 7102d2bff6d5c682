// Package jit compiles CinderVM bytecode ahead-of-time into x86-64
// machine code and exposes the result as an invokable native entry point.
//
// The pipeline is strictly ordered: sandbox validation, code size
// estimation, executable memory allocation, instruction-by-instruction
// emission, and a final patch-resolution pass that fills in every branch
// displacement and native-call address. Nothing executes until the write
// phase has fully completed; the finished code is wrapped in a Code
// value that can be invoked but never written.
//
// The generated code follows the System V AMD64 calling convention for a
// zero-argument function returning int64: the VM operand stack lives on
// the hardware stack, the program's memory cells live in a zeroed area
// of the function's own frame, and rax/rcx serve as scratch registers
// for binary operations. Callee-saved registers are not touched.
package jit

import (
	"errors"
	"fmt"

	"github.com/7avi/CinderVM/pkg/bytecode"
	"github.com/7avi/CinderVM/pkg/interp"
	"github.com/7avi/CinderVM/pkg/jit/execmem"
	"github.com/7avi/CinderVM/pkg/native"
	"github.com/7avi/CinderVM/pkg/sandbox"
)

// Compilation and execution errors.
var (
	// ErrUnresolvedPatch indicates a recorded patch site was never
	// resolved; the generated code would be incorrect.
	ErrUnresolvedPatch = errors.New("unresolved patch site")

	// ErrDisallowedNative is returned when emission encounters a native
	// call the sandbox does not allow. Validation should have rejected
	// it already; emission does not trust that it did.
	ErrDisallowedNative = errors.New("disallowed native call at emission")

	// ErrUnsupportedInstruction is returned for instructions the
	// compiler cannot translate (PUSH_REG has no backing register file).
	ErrUnsupportedInstruction = errors.New("unsupported instruction")

	// ErrMemoryTooLarge is returned when the declared memory size would
	// not fit in the generated function's stack frame.
	ErrMemoryTooLarge = errors.New("declared memory size too large for compiled frame")

	// ErrCodeReleased is returned when invoking code whose memory has
	// been released.
	ErrCodeReleased = errors.New("compiled code released")

	// ErrUnsupportedHost is returned when compiling on a host that
	// cannot execute the generated x86-64 code.
	ErrUnsupportedHost = errors.New("jit unsupported on this host")
)

// MaxMemoryCells bounds the declared memory size the compiler accepts.
// Memory cells live in the generated function's stack frame; this keeps
// the frame well under the host thread's stack limit.
const MaxMemoryCells = 1 << 16

// maxCodePerInsn is the worst-case generated bytes for one bytecode
// instruction (the guarded division and native call sequences, 46 bytes
// each, rounded up). The size estimate must never undercount.
const maxCodePerInsn = 48

// fixedOverhead covers the prologue, the shared epilogue, and the fault
// exit block.
const fixedOverhead = 64

// trapWordSize is the tail reserve holding the division fault flag.
const trapWordSize = 8

// patchKind classifies a recorded patch site.
type patchKind uint8

const (
	patchJump     patchKind = iota // rel32 to an instruction's code offset
	patchFault                     // rel32 to the fault exit block
	patchCallAddr                  // abs64 native entry address
	patchTrapAddr                  // abs64 trap word address
)

// patch is one not-yet-resolved displacement or address, recorded during
// emission and resolved after every instruction offset is final.
type patch struct {
	site     int // offset of the placeholder bytes
	kind     patchKind
	target   int    // instruction index, for patchJump
	native   uint32 // native id, for patchCallAddr
	resolved bool
}

// CallSite records an absolute-address call patch within an Artifact so
// the address can be rebound when the artifact is loaded in another
// process.
type CallSite struct {
	Site   int
	Native uint32
}

// Artifact is the position-independent persistence form of a compile:
// the machine code plus the patch records whose absolute addresses must
// be rebound per process. Relative branch displacements need no
// rebinding.
type Artifact struct {
	Code      []byte
	Capacity  int
	CallSites []CallSite
	TrapSites []int
	Memory    int // declared memory size, for reporting
}

// Compiler drives one compilation. It owns the program, its sandbox, and
// the in-progress executable memory region; none of these may be shared
// with another compilation.
type Compiler struct {
	program *bytecode.Program
	sandbox *sandbox.Sandbox
	natives *native.Registry

	mem         *execmem.Memory
	offset      int
	frameSize   int
	insnOffsets []int
	patches     []patch
	faultOffset int
}

// NewCompiler creates a compiler and its sandbox for a program.
func NewCompiler(program *bytecode.Program, natives *native.Registry) *Compiler {
	return &Compiler{
		program: program,
		sandbox: sandbox.New(program),
		natives: natives,
	}
}

// Sandbox returns the compiler's sandbox, so callers can extend the
// native whitelist before compilation runs.
func (c *Compiler) Sandbox() *sandbox.Sandbox {
	return c.sandbox
}

// EstimateCodeSize returns a conservative upper bound on the generated
// code size for the program, including the trap word reserve.
func (c *Compiler) EstimateCodeSize() int {
	return len(c.program.Instructions)*maxCodePerInsn + fixedOverhead + trapWordSize
}

// Compile validates the program, generates machine code, resolves the
// patch table, and returns the finalized entry point. On any failure the
// executable memory is released; nothing leaks.
func (c *Compiler) Compile() (*Code, error) {
	if !hostSupported() {
		return nil, ErrUnsupportedHost
	}
	if err := c.sandbox.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	if c.program.MemorySize > MaxMemoryCells {
		return nil, fmt.Errorf("%w: %d cells (max %d)", ErrMemoryTooLarge, c.program.MemorySize, MaxMemoryCells)
	}
	c.frameSize = frameBytes(c.program.MemorySize)

	capacity := c.EstimateCodeSize()
	mem, err := execmem.Allocate(capacity)
	if err != nil {
		return nil, fmt.Errorf("allocate code memory: %w", err)
	}
	c.mem = mem

	code, err := c.generate()
	if err != nil {
		mem.Release()
		return nil, err
	}
	return code, nil
}

// generate emits and patches into the already-allocated region.
func (c *Compiler) generate() (*Code, error) {
	c.insnOffsets = make([]int, len(c.program.Instructions))

	if err := c.emitPrologue(); err != nil {
		return nil, err
	}
	for idx, in := range c.program.Instructions {
		c.insnOffsets[idx] = c.offset
		if err := c.emitInstruction(in, idx); err != nil {
			return nil, err
		}
	}
	// Running off the end behaves like Return.
	if err := c.emitReturnSequence(); err != nil {
		return nil, err
	}
	c.faultOffset = c.offset
	if err := c.emitFaultExit(); err != nil {
		return nil, err
	}

	if err := c.resolvePatches(); err != nil {
		return nil, err
	}

	capacity := c.mem.Size()
	art := &Artifact{
		Capacity: capacity,
		Memory:   c.program.MemorySize,
	}
	codeBytes, err := c.mem.Bytes(0, c.offset)
	if err != nil {
		return nil, fmt.Errorf("snapshot code: %w", err)
	}
	art.Code = codeBytes
	for _, p := range c.patches {
		switch p.kind {
		case patchCallAddr:
			art.CallSites = append(art.CallSites, CallSite{Site: p.site, Native: p.native})
		case patchTrapAddr:
			art.TrapSites = append(art.TrapSites, p.site)
		}
	}

	return &Code{
		mem:        c.mem,
		codeLen:    c.offset,
		trapOffset: capacity - trapWordSize,
		artifact:   art,
	}, nil
}

// resolvePatches performs the second emission phase: every placeholder
// recorded during instruction emission is overwritten with its final
// displacement or address. Every site must resolve exactly once.
func (c *Compiler) resolvePatches() error {
	for i := range c.patches {
		p := &c.patches[i]
		switch p.kind {
		case patchJump:
			target := c.insnOffsets[p.target]
			if err := c.patchRel32(p.site, target); err != nil {
				return err
			}
		case patchFault:
			if err := c.patchRel32(p.site, c.faultOffset); err != nil {
				return err
			}
		case patchCallAddr:
			if !c.sandbox.IsNativeAllowed(p.native) {
				return fmt.Errorf("%w: 0x%X", ErrDisallowedNative, p.native)
			}
			addr, err := c.natives.EntryAddr(p.native)
			if err != nil {
				return fmt.Errorf("resolve native 0x%X: %w", p.native, err)
			}
			if err := c.patchAbs64(p.site, uint64(addr)); err != nil {
				return err
			}
		case patchTrapAddr:
			trapAddr := c.mem.Addr() + uintptr(c.mem.Size()-trapWordSize)
			if err := c.patchAbs64(p.site, uint64(trapAddr)); err != nil {
				return err
			}
		}
		p.resolved = true
	}

	for _, p := range c.patches {
		if !p.resolved {
			return fmt.Errorf("%w: site %d", ErrUnresolvedPatch, p.site)
		}
	}
	return nil
}

// Load rebuilds invokable code from a cached artifact. The whitelist is
// consulted again for every recorded call site, and native entry
// addresses are rebound for the current process.
func Load(art *Artifact, sb *sandbox.Sandbox, natives *native.Registry) (*Code, error) {
	if !hostSupported() {
		return nil, ErrUnsupportedHost
	}
	mem, err := execmem.Allocate(art.Capacity)
	if err != nil {
		return nil, fmt.Errorf("allocate code memory: %w", err)
	}
	fail := func(err error) (*Code, error) {
		mem.Release()
		return nil, err
	}

	if err := mem.Write(0, art.Code); err != nil {
		return fail(fmt.Errorf("write cached code: %w", err))
	}
	trapOffset := art.Capacity - trapWordSize
	for _, cs := range art.CallSites {
		if !sb.IsNativeAllowed(cs.Native) {
			return fail(fmt.Errorf("%w: 0x%X", ErrDisallowedNative, cs.Native))
		}
		addr, err := natives.EntryAddr(cs.Native)
		if err != nil {
			return fail(fmt.Errorf("resolve native 0x%X: %w", cs.Native, err))
		}
		if err := writeAbs64(mem, cs.Site, uint64(addr)); err != nil {
			return fail(err)
		}
	}
	trapAddr := mem.Addr() + uintptr(trapOffset)
	for _, site := range art.TrapSites {
		if err := writeAbs64(mem, site, uint64(trapAddr)); err != nil {
			return fail(err)
		}
	}

	return &Code{
		mem:        mem,
		codeLen:    len(art.Code),
		trapOffset: trapOffset,
		artifact:   art,
	}, nil
}

// Code is a finalized native entry point. It can only be produced by a
// completed compile or load; once produced it is never written again,
// except for the internal trap word cleared before each run. Close
// releases the underlying region, after which Run fails.
type Code struct {
	mem        *execmem.Memory
	codeLen    int
	trapOffset int
	artifact   *Artifact
}

// Run invokes the compiled program and returns its result. A division by
// zero inside the generated code is reported as the interpreter's
// ErrDivisionByZero rather than a hardware fault.
func (cd *Code) Run() (int64, error) {
	if cd.mem == nil || cd.mem.Addr() == 0 {
		return 0, ErrCodeReleased
	}
	if err := cd.mem.Write(cd.trapOffset, make([]byte, trapWordSize)); err != nil {
		return 0, err
	}

	ret := invokeEntry(cd.mem.Addr())

	trap, err := cd.mem.Bytes(cd.trapOffset, trapWordSize)
	if err != nil {
		return 0, err
	}
	for _, b := range trap {
		if b != 0 {
			return 0, interp.ErrDivisionByZero
		}
	}
	return ret, nil
}

// MachineCode returns a copy of the generated code bytes.
func (cd *Code) MachineCode() ([]byte, error) {
	if cd.mem == nil {
		return nil, ErrCodeReleased
	}
	return cd.mem.Bytes(0, cd.codeLen)
}

// Size returns the generated code length in bytes.
func (cd *Code) Size() int {
	return cd.codeLen
}

// Artifact returns the persistence form of this code.
func (cd *Code) Artifact() *Artifact {
	return cd.artifact
}

// Close releases the executable memory. Idempotent.
func (cd *Code) Close() error {
	if cd.mem == nil {
		return nil
	}
	err := cd.mem.Release()
	cd.mem = nil
	return err
}
