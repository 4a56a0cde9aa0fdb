package nnaccel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// DMABuffer returns 'size' bytes that start on a page boundary, so that an accelerator can map
// them without a bounce copy. The capacity extends to the end of the last page.
func DMABuffer(size int) []byte {
	if size <= 0 {
		return nil
	}
	pages := PageRound(size)
	raw := make([]byte, pages+pageSize-1)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int((uintptr(pageSize) - addr%uintptr(pageSize)) % uintptr(pageSize))
	return raw[off : off+size : off+pages]
}

// PageRound rounds 'size' up to a whole number of pages
func PageRound(size int) int {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

func PageSize() int {
	return pageSize
}
