//go:build !unix

package execmem

func mapExecutable(size int) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func unmapExecutable(buf []byte) error {
	return nil
}
