//go:build !unix

package platform

// mmapCodeSegment falls back to the Go heap where there is no mmap. Heap slices of this size are at least 8-byte
// aligned, which is all the code cache relies on.
func mmapCodeSegment(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func munmapCodeSegment([]byte) error {
	return nil
}
