// Package interp implements the reference interpreter for CinderVM
// bytecode.
//
// The interpreter is the semantic ground truth for the JIT compiler and
// the debug execution path. It maintains an operand stack of signed
// 64-bit integers, a flat zero-initialized memory array, and a program
// counter. Execution is single-pass: every failure is terminal and no
// resumption is supported. There is no timeout; a non-terminating
// program blocks the calling goroutine forever.
package interp

import (
	"errors"
	"fmt"

	"github.com/7avi/CinderVM/pkg/bytecode"
	"github.com/7avi/CinderVM/pkg/native"
)

// Interpreter errors. All are fatal to the current execution.
var (
	ErrStackUnderflow      = errors.New("stack underflow")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidJumpTarget   = errors.New("invalid jump target")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrInvalidInstruction  = errors.New("invalid instruction")
)

// MinMemorySize is the minimum interpreter memory length in cells.
const MinMemorySize = 1024

// Interpreter executes one program. State is exclusively owned by the
// instance and never shared; independent interpreters may run on
// separate goroutines.
type Interpreter struct {
	program *bytecode.Program
	stack   []int64
	memory  []int64
	pc      int
	natives *native.Registry
}

// Option configures an interpreter.
type Option func(*Interpreter)

// WithNatives wires a native-function dispatch table. Without it the
// interpreter skips CallNative instructions entirely; with it, the Go
// implementation is invoked with the current top-of-stack value and its
// result is discarded, matching the compiled path's convention.
func WithNatives(reg *native.Registry) Option {
	return func(ip *Interpreter) { ip.natives = reg }
}

// New creates an interpreter for a program.
func New(program *bytecode.Program, opts ...Option) *Interpreter {
	memSize := program.MemorySize
	if memSize < MinMemorySize {
		memSize = MinMemorySize
	}
	ip := &Interpreter{
		program: program,
		memory:  make([]int64, memSize),
	}
	for _, opt := range opts {
		opt(ip)
	}
	return ip
}

// Run executes the program and returns its result: the value yielded by
// Return or Halt, or the top of the operand stack (0 when empty) after
// running off the end of the instruction sequence.
func (ip *Interpreter) Run() (int64, error) {
	insns := ip.program.Instructions

	for ip.pc < len(insns) {
		in := insns[ip.pc]

		switch in.Op {
		case bytecode.OpPushInt:
			ip.push(in.Imm)
			ip.pc++

		case bytecode.OpPushReg:
			// No register file exists; surfaced as a fault rather than
			// silently skipped.
			return 0, fmt.Errorf("%w: PUSH_REG at %d (no register file)", ErrStackUnderflow, ip.pc)

		case bytecode.OpPop:
			if _, ok := ip.pop(); !ok {
				return 0, fmt.Errorf("%w: POP at %d", ErrStackUnderflow, ip.pc)
			}
			ip.pc++

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			b, a, ok := ip.pop2()
			if !ok {
				return 0, fmt.Errorf("%w: %s at %d", ErrStackUnderflow, in.Op, ip.pc)
			}
			switch in.Op {
			case bytecode.OpAdd:
				ip.push(a + b)
			case bytecode.OpSub:
				ip.push(a - b)
			case bytecode.OpMul:
				ip.push(a * b)
			case bytecode.OpDiv:
				if b == 0 {
					return 0, fmt.Errorf("%w: DIV at %d", ErrDivisionByZero, ip.pc)
				}
				ip.push(a / b)
			}
			ip.pc++

		case bytecode.OpEq, bytecode.OpLt, bytecode.OpGt:
			b, a, ok := ip.pop2()
			if !ok {
				return 0, fmt.Errorf("%w: %s at %d", ErrStackUnderflow, in.Op, ip.pc)
			}
			var truth bool
			switch in.Op {
			case bytecode.OpEq:
				truth = a == b
			case bytecode.OpLt:
				truth = a < b
			case bytecode.OpGt:
				truth = a > b
			}
			if truth {
				ip.push(1)
			} else {
				ip.push(0)
			}
			ip.pc++

		case bytecode.OpJump:
			if in.Target < 0 || in.Target >= len(insns) {
				return 0, fmt.Errorf("%w: %d at %d", ErrInvalidJumpTarget, in.Target, ip.pc)
			}
			ip.pc = in.Target

		case bytecode.OpJumpIfZero, bytecode.OpJumpIfNotZero:
			cond, ok := ip.pop()
			if !ok {
				return 0, fmt.Errorf("%w: %s at %d", ErrStackUnderflow, in.Op, ip.pc)
			}
			taken := (cond == 0) == (in.Op == bytecode.OpJumpIfZero)
			if taken {
				if in.Target < 0 || in.Target >= len(insns) {
					return 0, fmt.Errorf("%w: %d at %d", ErrInvalidJumpTarget, in.Target, ip.pc)
				}
				ip.pc = in.Target
			} else {
				ip.pc++
			}

		case bytecode.OpLoad:
			if in.Offset < 0 || in.Offset >= len(ip.memory) {
				return 0, fmt.Errorf("%w: offset %d at %d", ErrInvalidMemoryAccess, in.Offset, ip.pc)
			}
			ip.push(ip.memory[in.Offset])
			ip.pc++

		case bytecode.OpStore:
			if in.Offset < 0 || in.Offset >= len(ip.memory) {
				return 0, fmt.Errorf("%w: offset %d at %d", ErrInvalidMemoryAccess, in.Offset, ip.pc)
			}
			v, ok := ip.pop()
			if !ok {
				return 0, fmt.Errorf("%w: STORE at %d", ErrStackUnderflow, ip.pc)
			}
			ip.memory[in.Offset] = v
			ip.pc++

		case bytecode.OpCallNative:
			if ip.natives != nil {
				if fn, ok := ip.natives.Lookup(in.Native); ok {
					fn(ip.top())
				}
			}
			ip.pc++

		case bytecode.OpReturn, bytecode.OpHalt:
			v, _ := ip.pop()
			return v, nil

		default:
			// Undefined opcodes cannot be constructed through the
			// instruction model; treat one as a corrupted program.
			return 0, fmt.Errorf("%w: undefined opcode 0x%02X at %d", ErrInvalidInstruction, in.Op.Byte(), ip.pc)
		}
	}

	// Ran off the end without Return/Halt.
	v, _ := ip.pop()
	return v, nil
}

func (ip *Interpreter) push(v int64) {
	ip.stack = append(ip.stack, v)
}

func (ip *Interpreter) pop() (int64, bool) {
	if len(ip.stack) == 0 {
		return 0, false
	}
	v := ip.stack[len(ip.stack)-1]
	ip.stack = ip.stack[:len(ip.stack)-1]
	return v, true
}

// pop2 pops b then a; b is the more recently pushed operand.
func (ip *Interpreter) pop2() (b, a int64, ok bool) {
	if len(ip.stack) < 2 {
		return 0, 0, false
	}
	b, _ = ip.pop()
	a, _ = ip.pop()
	return b, a, true
}

// top returns the top of the stack without popping, 0 when empty.
func (ip *Interpreter) top() int64 {
	if len(ip.stack) == 0 {
		return 0
	}
	return ip.stack[len(ip.stack)-1]
}
