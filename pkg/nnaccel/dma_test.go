package nnaccel

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestDMABuffer(t *testing.T) {
	for _, size := range []int{1, 3, 4095, 4096, 4097, 64 * 64 * 4, 320*320*4 + 7} {
		buf := DMABuffer(size)
		require.Len(t, buf, size)
		require.Equal(t, PageRound(size), cap(buf))
		require.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%uintptr(PageSize()))
	}
	require.Nil(t, DMABuffer(0))
	require.Equal(t, PageSize(), PageRound(1))
	require.Equal(t, PageSize(), PageRound(PageSize()))
	require.Equal(t, 2*PageSize(), PageRound(PageSize()+1))
}
