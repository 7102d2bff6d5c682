// Package native implements the native-function dispatch table shared by
// the interpreter and the JIT compiler.
//
// Each native function is identified by a 32-bit id, receives the VM's
// current top-of-stack value as its only argument, and must not mutate
// the operand stack. The sandbox whitelist and this registry enforce the
// same policy from two sides: the whitelist decides whether a call may be
// compiled at all, the registry decides where it lands at patch time. An
// id that is whitelisted but unregistered is a compilation error.
package native

import (
	"errors"
	"fmt"
	"sync"

	"github.com/7avi/CinderVM/pkg/sandbox"
)

// ErrUnknownNative is returned when no function is registered for an id.
var ErrUnknownNative = errors.New("unknown native function")

// Func is a native function implementation. The argument is the VM's
// top-of-stack value (0 when the stack is empty); the return value is
// discarded by both execution paths.
type Func func(arg int64) int64

// entry is one registered native function.
type entry struct {
	name string
	fn   Func
	addr uintptr // C-ABI entry address, created lazily
}

// Registry maps native-function identifiers to implementations and, for
// the compiled path, to C-ABI entry addresses.
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]*entry
}

// NewRegistry creates a registry with the default natives registered:
// print_int (0x01) and print_str (0x02).
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[uint32]*entry)}
	r.Register(sandbox.NativePrintInt, "print_int", printInt)
	r.Register(sandbox.NativePrintStr, "print_str", printStr)
	return r
}

// Register adds or replaces a native function.
func (r *Registry) Register(id uint32, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{name: name, fn: fn}
}

// Lookup returns the Go implementation for an id.
func (r *Registry) Lookup(id uint32) (Func, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Name returns the registered name for an id, or a hex rendering for
// unknown ids.
func (r *Registry) Name(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.name
	}
	return fmt.Sprintf("native_0x%X", id)
}

// EntryAddr returns the C-ABI entry address for an id, creating the
// callback on first use. Callback creation is platform-specific; see
// callback_amd64.go.
func (r *Registry) EntryAddr(id uint32) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%X", ErrUnknownNative, id)
	}
	if e.addr == 0 {
		addr, err := newCallback(e.fn)
		if err != nil {
			return 0, err
		}
		e.addr = addr
	}
	return e.addr, nil
}

func printInt(arg int64) int64 {
	fmt.Printf("%d\n", arg)
	return 0
}

// printStr is a placeholder: the VM has no string representation yet, so
// the raw argument is printed. TODO: print a NUL-terminated string once
// programs can place byte data in memory cells.
func printStr(arg int64) int64 {
	fmt.Printf("str@%d\n", arg)
	return 0
}
