//go:build !amd64 || !(linux || darwin || freebsd)

package jit

func hostSupported() bool { return false }

func invokeEntry(addr uintptr) int64 { return 0 }
