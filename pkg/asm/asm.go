// Package asm parses the textual .cinder program format and prints
// bytecode listings.
//
// The format is line oriented: `#` starts a comment, blank lines are
// ignored, the `.memory N` directive declares the memory size in cells
// (default 1024), and every other line is an upper- or lower-case
// mnemonic with an optional decimal operand. Instruction index in the
// file is the instruction's program-counter value.
package asm

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/7avi/CinderVM/pkg/bytecode"
)

// Parse errors.
var (
	// ErrUnknownMnemonic is returned for an unrecognized instruction.
	ErrUnknownMnemonic = errors.New("unknown instruction")

	// ErrMissingOperand is returned when a mnemonic requires an operand
	// that is absent.
	ErrMissingOperand = errors.New("missing operand")

	// ErrInvalidOperand is returned for an unparsable operand.
	ErrInvalidOperand = errors.New("invalid operand")
)

// ParseFile reads and parses a .cinder file.
func ParseFile(path string) (*bytecode.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(string(src))
}

// Parse parses .cinder source text into a program.
func Parse(src string) (*bytecode.Program, error) {
	var instructions []bytecode.Instruction
	memorySize := bytecode.DefaultMemorySize

	sc := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if fields[0] == ".memory" {
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: %w: .memory takes one argument", lineNo, ErrInvalidOperand)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("line %d: %w: memory size %q", lineNo, ErrInvalidOperand, fields[1])
			}
			memorySize = n
			continue
		}

		in, err := parseInstruction(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		instructions = append(instructions, in)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}

	return bytecode.NewProgram(instructions, memorySize), nil
}

// parseInstruction decodes one mnemonic line.
func parseInstruction(fields []string) (bytecode.Instruction, error) {
	mnemonic := strings.ToUpper(fields[0])

	operand := func() (int64, error) {
		if len(fields) < 2 {
			return 0, fmt.Errorf("%w: %s requires an operand", ErrMissingOperand, mnemonic)
		}
		v, err := strconv.ParseInt(fields[1], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q", ErrInvalidOperand, mnemonic, fields[1])
		}
		return v, nil
	}

	switch mnemonic {
	case "PUSH_INT":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		return bytecode.PushInt(v), nil
	case "PUSH_REG":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		if v < 0 || v > 255 {
			return bytecode.Instruction{}, fmt.Errorf("%w: register %d", ErrInvalidOperand, v)
		}
		return bytecode.PushReg(uint8(v)), nil
	case "POP":
		return bytecode.Instruction{Op: bytecode.OpPop}, nil
	case "ADD":
		return bytecode.Instruction{Op: bytecode.OpAdd}, nil
	case "SUB":
		return bytecode.Instruction{Op: bytecode.OpSub}, nil
	case "MUL":
		return bytecode.Instruction{Op: bytecode.OpMul}, nil
	case "DIV":
		return bytecode.Instruction{Op: bytecode.OpDiv}, nil
	case "EQ":
		return bytecode.Instruction{Op: bytecode.OpEq}, nil
	case "LT":
		return bytecode.Instruction{Op: bytecode.OpLt}, nil
	case "GT":
		return bytecode.Instruction{Op: bytecode.OpGt}, nil
	case "JUMP":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		return bytecode.Jump(int(v)), nil
	case "JUMP_IF_ZERO":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		return bytecode.JumpIfZero(int(v)), nil
	case "JUMP_IF_NOT_ZERO":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		return bytecode.JumpIfNotZero(int(v)), nil
	case "LOAD":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		return bytecode.Load(int(v)), nil
	case "STORE":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		return bytecode.Store(int(v)), nil
	case "CALL_NATIVE":
		v, err := operand()
		if err != nil {
			return bytecode.Instruction{}, err
		}
		if v < 0 || v > int64(^uint32(0)) {
			return bytecode.Instruction{}, fmt.Errorf("%w: native id %d", ErrInvalidOperand, v)
		}
		return bytecode.CallNative(uint32(v)), nil
	case "RETURN":
		return bytecode.Instruction{Op: bytecode.OpReturn}, nil
	case "HALT":
		return bytecode.Instruction{Op: bytecode.OpHalt}, nil
	default:
		return bytecode.Instruction{}, fmt.Errorf("%w: %s", ErrUnknownMnemonic, mnemonic)
	}
}

// Print renders a program as a numbered bytecode listing, one
// instruction per line.
func Print(p *bytecode.Program) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ".memory %d\n", p.MemorySize)
	for idx, in := range p.Instructions {
		fmt.Fprintf(&sb, "%04d: %s\n", idx, in)
	}
	return sb.String()
}

// Format renders a program as re-parsable .cinder source:
// Parse(Format(p)) reproduces p.
func Format(p *bytecode.Program) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ".memory %d\n", p.MemorySize)
	for _, in := range p.Instructions {
		fmt.Fprintf(&sb, "%s\n", in)
	}
	return sb.String()
}
