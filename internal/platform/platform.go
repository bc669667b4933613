// Package platform includes runtime-specific code needed for the code cache.
package platform

import (
	"errors"
)

// MmapCodeSegment reserves a zeroed, writable region of size bytes to hold generated code.
//
// The region is never made executable here: code is written and patched through the returned slice, and whether a
// region is later remapped executable is the concern of the embedding engine.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(size int) ([]byte, error) {
	if size <= 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	return mmapCodeSegment(size)
}

// MunmapCodeSegment unmaps the given memory region.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}
