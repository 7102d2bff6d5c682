// x86-64 instruction emission.
//
// The VM operand stack is the hardware stack. Binary operations pop the
// right operand into rcx and the left operand into rax, apply the native
// operation, and push rax. Memory cells live at [rbp-8*(offset+1)] in a
// frame area zeroed by the prologue. All scratch registers (rax, rcx,
// rdx via cqo, rdi, r11) are caller-saved under the System V ABI.

package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/7avi/CinderVM/pkg/bytecode"
	"github.com/7avi/CinderVM/pkg/jit/execmem"
)

// frameBytes returns the 16-byte-aligned frame area holding the
// program's memory cells.
func frameBytes(memCells int) int {
	n := memCells * 8
	return (n + 15) &^ 15
}

// emit appends raw bytes at the running write offset. A bounds failure
// here means the size estimate undercounted; the write fails whole
// rather than truncating.
func (c *Compiler) emit(b ...byte) error {
	if err := c.mem.Write(c.offset, b); err != nil {
		return fmt.Errorf("emission at %d: %w", c.offset, err)
	}
	c.offset += len(b)
	return nil
}

// emitRel32Placeholder emits four placeholder bytes and records a
// relative patch resolved against the final code layout.
func (c *Compiler) emitRel32Placeholder(kind patchKind, target int) error {
	c.patches = append(c.patches, patch{site: c.offset, kind: kind, target: target})
	return c.emit(0, 0, 0, 0)
}

// emitAbs64Placeholder emits eight placeholder bytes and records an
// absolute-address patch resolved at patch time.
func (c *Compiler) emitAbs64Placeholder(kind patchKind, nativeID uint32) error {
	c.patches = append(c.patches, patch{site: c.offset, kind: kind, native: nativeID})
	return c.emit(0, 0, 0, 0, 0, 0, 0, 0)
}

// patchRel32 overwrites a placeholder with the displacement from the end
// of the 4-byte field to targetOffset.
func (c *Compiler) patchRel32(site, targetOffset int) error {
	disp := int32(targetOffset - (site + 4))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(disp))
	if err := c.mem.Write(site, b[:]); err != nil {
		return fmt.Errorf("patch at %d: %w", site, err)
	}
	return nil
}

// patchAbs64 overwrites a placeholder with an absolute address.
func (c *Compiler) patchAbs64(site int, addr uint64) error {
	return writeAbs64(c.mem, site, addr)
}

func writeAbs64(mem *execmem.Memory, site int, addr uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr)
	if err := mem.Write(site, b[:]); err != nil {
		return fmt.Errorf("patch at %d: %w", site, err)
	}
	return nil
}

// le32 renders a signed displacement as little-endian bytes.
func le32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// cellDisp returns the rbp-relative displacement of a memory cell.
func cellDisp(offset int) int32 {
	return int32(-8 * (offset + 1))
}

// emitPrologue establishes the frame and zeroes the memory cell area:
//
//	push rbp
//	mov  rbp, rsp
//	sub  rsp, frame
//	lea  rdi, [rbp-frame]
//	mov  ecx, ncells
//	xor  eax, eax
//	rep stosq
func (c *Compiler) emitPrologue() error {
	frame := int32(c.frameSize)
	if err := c.emit(0x55); err != nil {
		return err
	}
	if err := c.emit(0x48, 0x89, 0xE5); err != nil {
		return err
	}
	if err := c.emit(append([]byte{0x48, 0x81, 0xEC}, le32(frame)...)...); err != nil {
		return err
	}
	if err := c.emit(append([]byte{0x48, 0x8D, 0xBD}, le32(-frame)...)...); err != nil {
		return err
	}
	if err := c.emit(append([]byte{0xB9}, le32(frame/8)...)...); err != nil {
		return err
	}
	if err := c.emit(0x31, 0xC0); err != nil {
		return err
	}
	return c.emit(0xF3, 0x48, 0xAB)
}

// emitInstruction translates one bytecode instruction.
func (c *Compiler) emitInstruction(in bytecode.Instruction, idx int) error {
	switch in.Op {
	case bytecode.OpPushInt:
		return c.emitPushInt(in.Imm)
	case bytecode.OpPushReg:
		return fmt.Errorf("%w: PUSH_REG at %d (no register file)", ErrUnsupportedInstruction, idx)
	case bytecode.OpPop:
		// add rsp, 8
		return c.emit(0x48, 0x83, 0xC4, 0x08)
	case bytecode.OpAdd:
		return c.emitBinary(0x48, 0x01, 0xC8) // add rax, rcx
	case bytecode.OpSub:
		return c.emitBinary(0x48, 0x29, 0xC8) // sub rax, rcx
	case bytecode.OpMul:
		return c.emitBinary(0x48, 0x0F, 0xAF, 0xC1) // imul rax, rcx
	case bytecode.OpDiv:
		return c.emitDiv()
	case bytecode.OpEq:
		return c.emitCompare(0x94) // sete
	case bytecode.OpLt:
		return c.emitCompare(0x9C) // setl
	case bytecode.OpGt:
		return c.emitCompare(0x9F) // setg
	case bytecode.OpJump:
		// jmp rel32
		if err := c.emit(0xE9); err != nil {
			return err
		}
		return c.emitRel32Placeholder(patchJump, in.Target)
	case bytecode.OpJumpIfZero:
		return c.emitCondJump(0x84, in.Target) // jz
	case bytecode.OpJumpIfNotZero:
		return c.emitCondJump(0x85, in.Target) // jnz
	case bytecode.OpLoad:
		// mov rax, [rbp+disp]; push rax
		if err := c.emit(append([]byte{0x48, 0x8B, 0x85}, le32(cellDisp(in.Offset))...)...); err != nil {
			return err
		}
		return c.emit(0x50)
	case bytecode.OpStore:
		// pop rax; mov [rbp+disp], rax
		if err := c.emit(0x58); err != nil {
			return err
		}
		return c.emit(append([]byte{0x48, 0x89, 0x85}, le32(cellDisp(in.Offset))...)...)
	case bytecode.OpCallNative:
		return c.emitCallNative(in.Native, idx)
	case bytecode.OpReturn, bytecode.OpHalt:
		return c.emitReturnSequence()
	default:
		return fmt.Errorf("%w: opcode 0x%02X at %d", ErrUnsupportedInstruction, in.Op.Byte(), idx)
	}
}

// emitPushInt: mov rax, imm64; push rax.
func (c *Compiler) emitPushInt(v int64) error {
	b := make([]byte, 0, 11)
	b = append(b, 0x48, 0xB8)
	b = binary.LittleEndian.AppendUint64(b, uint64(v))
	b = append(b, 0x50)
	return c.emit(b...)
}

// emitBinary: pop rcx; pop rax; <op>; push rax.
func (c *Compiler) emitBinary(op ...byte) error {
	b := make([]byte, 0, 8)
	b = append(b, 0x59, 0x58)
	b = append(b, op...)
	b = append(b, 0x50)
	return c.emit(b...)
}

// emitCompare: pop rcx; pop rax; cmp rax, rcx; set<cc> al;
// movzx rax, al; push rax. Pushes exactly 0 or 1.
func (c *Compiler) emitCompare(setcc byte) error {
	return c.emit(
		0x59, 0x58,
		0x48, 0x39, 0xC8,
		0x0F, setcc, 0xC0,
		0x48, 0x0F, 0xB6, 0xC0,
		0x50,
	)
}

// emitDiv guards the native idiv against both inputs that would raise a
// hardware #DE. A zero divisor sets the trap word and jumps to the fault
// exit; the wrapper reports it as the interpreter's division-by-zero
// error. A divisor of -1 is computed as a wrapping negate instead of
// reaching idiv: the quotient equals -dividend for every dividend, and
// idiv would fault on INT64_MIN / -1 where the wrapping result is
// INT64_MIN.
//
//	pop  rcx              ; divisor
//	pop  rax              ; dividend
//	test rcx, rcx
//	jnz  .nonzero
//	mov  r11, trapAddr    ; patched
//	mov  qword [r11], 1
//	jmp  faultExit        ; patched
//
// .nonzero:
//
//	cmp  rcx, -1
//	jne  .divide
//	neg  rax
//	jmp  .push
//
// .divide:
//
//	cqo
//	idiv rcx
//
// .push:
//
//	push rax
func (c *Compiler) emitDiv() error {
	if err := c.emit(0x59, 0x58, 0x48, 0x85, 0xC9); err != nil {
		return err
	}
	// jnz over the 22-byte trap block
	if err := c.emit(0x75, 0x16); err != nil {
		return err
	}
	if err := c.emit(0x49, 0xBB); err != nil {
		return err
	}
	if err := c.emitAbs64Placeholder(patchTrapAddr, 0); err != nil {
		return err
	}
	if err := c.emit(0x49, 0xC7, 0x03, 0x01, 0x00, 0x00, 0x00); err != nil {
		return err
	}
	if err := c.emit(0xE9); err != nil {
		return err
	}
	if err := c.emitRel32Placeholder(patchFault, 0); err != nil {
		return err
	}
	if err := c.emit(0x48, 0x83, 0xF9, 0xFF, 0x75, 0x05, 0x48, 0xF7, 0xD8, 0xEB, 0x05); err != nil {
		return err
	}
	return c.emit(0x48, 0x99, 0x48, 0xF7, 0xF9, 0x50)
}

// emitCondJump: pop rax; test rax, rax; j<cc> rel32.
func (c *Compiler) emitCondJump(cc byte, target int) error {
	if err := c.emit(0x58, 0x48, 0x85, 0xC0, 0x0F, cc); err != nil {
		return err
	}
	return c.emitRel32Placeholder(patchJump, target)
}

// emitCallNative passes the current top of the VM stack in rdi, or 0
// when the operand stack is empty (rsp back at the frame base, where a
// blind load would read a memory cell instead), aligns rsp to 16 bytes
// as the ABI requires, and calls through rax. The VM operand stack is
// left unchanged; the native's return value is discarded, matching the
// interpreter.
//
//	xor edi, edi
//	lea r11, [rbp-frame]
//	cmp rsp, r11
//	je  .aligned          ; stack empty, pass 0
//	mov rdi, [rsp]
//
// .aligned:
//
//	mov r11, rsp
//	and rsp, -16
//	push r11
//	push r11
//	mov rax, entryAddr    ; patched
//	call rax
//	pop r11
//	mov rsp, r11
func (c *Compiler) emitCallNative(id uint32, idx int) error {
	if !c.sandbox.IsNativeAllowed(id) {
		return fmt.Errorf("%w: 0x%X at %d", ErrDisallowedNative, id, idx)
	}
	if err := c.emit(0x31, 0xFF); err != nil {
		return err
	}
	if err := c.emit(append([]byte{0x4C, 0x8D, 0x9D}, le32(-int32(c.frameSize))...)...); err != nil {
		return err
	}
	if err := c.emit(
		0x4C, 0x39, 0xDC,
		0x74, 0x04,
		0x48, 0x8B, 0x3C, 0x24,
		0x49, 0x89, 0xE3,
		0x48, 0x83, 0xE4, 0xF0,
		0x41, 0x53,
		0x41, 0x53,
		0x48, 0xB8,
	); err != nil {
		return err
	}
	if err := c.emitAbs64Placeholder(patchCallAddr, id); err != nil {
		return err
	}
	return c.emit(
		0xFF, 0xD0,
		0x41, 0x5B,
		0x4C, 0x89, 0xDC,
	)
}

// emitReturnSequence yields the top of the VM stack, or 0 when the stack
// is empty (rsp back at the frame base), then tears down the frame:
//
//	xor eax, eax
//	lea r11, [rbp-frame]
//	cmp rsp, r11
//	je  .done             ; stack empty, keep 0
//	pop rax
//
// .done:
//
//	mov rsp, rbp
//	pop rbp
//	ret
func (c *Compiler) emitReturnSequence() error {
	frame := int32(c.frameSize)
	if err := c.emit(0x31, 0xC0); err != nil {
		return err
	}
	if err := c.emit(append([]byte{0x4C, 0x8D, 0x9D}, le32(-frame)...)...); err != nil {
		return err
	}
	if err := c.emit(0x4C, 0x39, 0xDC, 0x74, 0x01, 0x58); err != nil {
		return err
	}
	return c.emit(0x48, 0x89, 0xEC, 0x5D, 0xC3)
}

// emitFaultExit is the shared landing site for guarded faults: return 0
// with the frame torn down. The trap word distinguishes a fault from a
// legitimate zero result.
func (c *Compiler) emitFaultExit() error {
	return c.emit(0x31, 0xC0, 0x48, 0x89, 0xEC, 0x5D, 0xC3)
}
