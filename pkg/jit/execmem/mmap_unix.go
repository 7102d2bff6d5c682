//go:build unix

package execmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapExecutable maps one anonymous private RWX region of at least size
// bytes, rounded up to the page size.
func mapExecutable(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	buf, err := unix.Mmap(
		-1, 0,
		aligned,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return buf, nil
}

func unmapExecutable(buf []byte) error {
	return unix.Munmap(buf)
}
