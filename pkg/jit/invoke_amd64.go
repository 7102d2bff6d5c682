//go:build amd64 && (linux || darwin || freebsd)

package jit

import "github.com/ebitengine/purego"

// hostSupported reports whether this host can execute generated code.
func hostSupported() bool { return true }

// invokeEntry calls the finalized entry point as a zero-argument C
// function returning int64. purego routes the call through a system
// stack, so the generated code is free to move rsp for its own operand
// stack.
func invokeEntry(addr uintptr) int64 {
	r1, _, _ := purego.SyscallN(addr)
	return int64(r1)
}
