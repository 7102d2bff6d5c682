//go:build amd64 && (linux || darwin || freebsd)

package native

import "github.com/ebitengine/purego"

// newCallback wraps a Go native function as a C-ABI function pointer.
// Callbacks are never released; the registry creates at most one per
// registered function.
func newCallback(fn Func) (uintptr, error) {
	return purego.NewCallback(func(arg int64) int64 {
		return fn(arg)
	}), nil
}
