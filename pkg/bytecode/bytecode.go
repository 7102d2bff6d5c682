// Package bytecode defines the CinderVM instruction set and program container.
//
// An OpCode is a one-byte tag; the byte value is the wire identity of the
// operation. An Instruction is a decoded operation plus its operands, and a
// Program is an ordered instruction sequence with a declared memory size in
// 64-bit cells. Instruction index doubles as the program counter value.
// Construction never fails; operand validation is the sandbox's job.
package bytecode

import (
	"encoding/binary"
	"fmt"
)

// OpCode identifies one operation kind.
type OpCode uint8

// Operation byte values.
const (
	// Operands and stack
	OpPushInt OpCode = 0x01
	OpPushReg OpCode = 0x02
	OpPop     OpCode = 0x03

	// Arithmetic
	OpAdd OpCode = 0x10
	OpSub OpCode = 0x11
	OpMul OpCode = 0x12
	OpDiv OpCode = 0x13

	// Comparison
	OpEq OpCode = 0x20
	OpLt OpCode = 0x21
	OpGt OpCode = 0x22

	// Control flow
	OpJump          OpCode = 0x30
	OpJumpIfZero    OpCode = 0x31
	OpJumpIfNotZero OpCode = 0x32

	// Memory
	OpLoad  OpCode = 0x40
	OpStore OpCode = 0x41

	// Calls and return
	OpCallNative OpCode = 0x50
	OpReturn     OpCode = 0x51

	// Halt
	OpHalt OpCode = 0xFF
)

// opNames maps defined opcodes to their assembly mnemonics.
var opNames = map[OpCode]string{
	OpPushInt:       "PUSH_INT",
	OpPushReg:       "PUSH_REG",
	OpPop:           "POP",
	OpAdd:           "ADD",
	OpSub:           "SUB",
	OpMul:           "MUL",
	OpDiv:           "DIV",
	OpEq:            "EQ",
	OpLt:            "LT",
	OpGt:            "GT",
	OpJump:          "JUMP",
	OpJumpIfZero:    "JUMP_IF_ZERO",
	OpJumpIfNotZero: "JUMP_IF_NOT_ZERO",
	OpLoad:          "LOAD",
	OpStore:         "STORE",
	OpCallNative:    "CALL_NATIVE",
	OpReturn:        "RETURN",
	OpHalt:          "HALT",
}

// OpCodeFromByte maps a tag byte to its OpCode. Undefined bytes report
// ok == false; they never map to a default operation.
func OpCodeFromByte(b uint8) (OpCode, bool) {
	op := OpCode(b)
	_, ok := opNames[op]
	return op, ok
}

// Byte returns the wire tag of the opcode.
func (op OpCode) Byte() uint8 {
	return uint8(op)
}

// String returns the assembly mnemonic of the opcode.
func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP(0x%02X)", uint8(op))
}

// Instruction is one decoded operation. Only the operand field named for
// the opcode is meaningful; the rest are zero.
type Instruction struct {
	Op OpCode

	Imm    int64  // PushInt literal
	Reg    uint8  // PushReg register index
	Target int    // Jump/JumpIfZero/JumpIfNotZero absolute instruction index
	Offset int    // Load/Store memory cell offset
	Native uint32 // CallNative function identifier
}

// Constructors for operand-carrying instructions. Plain instructions are
// built directly, e.g. Instruction{Op: OpAdd}.

func PushInt(v int64) Instruction { return Instruction{Op: OpPushInt, Imm: v} }

func PushReg(r uint8) Instruction { return Instruction{Op: OpPushReg, Reg: r} }

func Jump(target int) Instruction { return Instruction{Op: OpJump, Target: target} }

func JumpIfZero(t int) Instruction { return Instruction{Op: OpJumpIfZero, Target: t} }

func JumpIfNotZero(t int) Instruction { return Instruction{Op: OpJumpIfNotZero, Target: t} }

func Load(offset int) Instruction { return Instruction{Op: OpLoad, Offset: offset} }

func Store(offset int) Instruction { return Instruction{Op: OpStore, Offset: offset} }

func CallNative(id uint32) Instruction { return Instruction{Op: OpCallNative, Native: id} }

// String renders the instruction in assembly form.
func (in Instruction) String() string {
	switch in.Op {
	case OpPushInt:
		return fmt.Sprintf("%s %d", in.Op, in.Imm)
	case OpPushReg:
		return fmt.Sprintf("%s %d", in.Op, in.Reg)
	case OpJump, OpJumpIfZero, OpJumpIfNotZero:
		return fmt.Sprintf("%s %d", in.Op, in.Target)
	case OpLoad, OpStore:
		return fmt.Sprintf("%s %d", in.Op, in.Offset)
	case OpCallNative:
		return fmt.Sprintf("%s 0x%02X", in.Op, in.Native)
	default:
		return in.Op.String()
	}
}

// DefaultMemorySize is the memory size used when a program declares none.
const DefaultMemorySize = 1024

// Program is an ordered instruction sequence plus a declared memory size
// in 64-bit cells. It is immutable once constructed and is consumed
// identically by the interpreter and the compiler.
type Program struct {
	Instructions []Instruction
	MemorySize   int
}

// NewProgram builds a program. A non-positive memory size falls back to
// DefaultMemorySize.
func NewProgram(instructions []Instruction, memorySize int) *Program {
	if memorySize <= 0 {
		memorySize = DefaultMemorySize
	}
	return &Program{
		Instructions: instructions,
		MemorySize:   memorySize,
	}
}

// Encode returns the canonical binary form of the program: the declared
// memory size followed by each instruction as its opcode byte plus a
// little-endian 8-byte operand. The encoding is the program's content
// identity; the code cache keys on its hash.
func (p *Program) Encode() []byte {
	buf := make([]byte, 0, 8+9*len(p.Instructions))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.MemorySize))
	for _, in := range p.Instructions {
		buf = append(buf, in.Op.Byte())
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.operand()))
	}
	return buf
}

// operand returns the instruction's single operand as a raw int64.
func (in Instruction) operand() int64 {
	switch in.Op {
	case OpPushInt:
		return in.Imm
	case OpPushReg:
		return int64(in.Reg)
	case OpJump, OpJumpIfZero, OpJumpIfNotZero:
		return int64(in.Target)
	case OpLoad, OpStore:
		return int64(in.Offset)
	case OpCallNative:
		return int64(in.Native)
	default:
		return 0
	}
}
