//go:build !amd64 || !(linux || darwin || freebsd)

package native

import "errors"

// ErrUnsupportedPlatform is returned when C-ABI entry addresses are
// requested on a platform without JIT support.
var ErrUnsupportedPlatform = errors.New("native entry addresses unsupported on this platform")

func newCallback(fn Func) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}
