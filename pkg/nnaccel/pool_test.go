package nnaccel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	p := NewPool("yolo/nms", 2, 1000)
	require.Equal(t, 2, p.Available())
	a, ok := p.Acquire()
	require.True(t, ok)
	require.Len(t, a, 1000)
	b, ok := p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	require.False(t, ok)
	require.Equal(t, 0, p.Available())

	// A waiter is woken by a release
	got := make(chan []byte)
	go func() {
		buf, err := p.AcquireWait(nil)
		require.NoError(t, err)
		got <- buf
	}()
	time.Sleep(20 * time.Millisecond)
	p.Release(a)
	select {
	case buf := <-got:
		require.Len(t, buf, 1000)
	case <-time.After(time.Second):
		t.Fatal("AcquireWait was not woken by Release")
	}

	// A waiter can be cancelled
	cancel := make(chan struct{})
	errc := make(chan error)
	go func() {
		_, err := p.AcquireWait(cancel)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(cancel)
	require.ErrorIs(t, <-errc, ErrCancelled)

	p.Release(b)
	require.Equal(t, 1, p.Available())
	require.Equal(t, 2, p.Size())
}

func TestPoolOverRelease(t *testing.T) {
	p := NewPool("x", 1, 10)
	require.Panics(t, func() { p.Release(make([]byte, 10)) })
}

func TestPoolGet(t *testing.T) {
	p := NewPool("crops", 1, 64)
	b, err := p.Get(PoolFailOnEmpty, nil)
	require.NoError(t, err)
	_, err = p.Get(PoolDrop, nil)
	require.ErrorIs(t, err, ErrPoolEmpty)

	cancel := make(chan struct{})
	close(cancel)
	_, err = p.Get(PoolBlocking, cancel)
	require.ErrorIs(t, err, ErrCancelled)

	p.Release(b)
	_, err = p.Get(PoolBlocking, cancel)
	require.NoError(t, err)
}

func TestParsePoolMode(t *testing.T) {
	for _, m := range []PoolMode{PoolFailOnEmpty, PoolBlocking, PoolDrop} {
		p, err := ParsePoolMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, p)
	}
	_, err := ParsePoolMode("bogus")
	require.Error(t, err)
}
