package nnaccel

import (
	"errors"
	"fmt"
)

var (
	ErrCancelled = errors.New("Wait for buffer cancelled")
	ErrPoolEmpty = errors.New("Buffer pool is empty")
)

// PoolMode decides what happens when a pool is empty
type PoolMode int

const (
	PoolFailOnEmpty PoolMode = iota // The frame fails with an allocation error
	PoolBlocking                    // Wait until a buffer is released
	PoolDrop                        // The frame is quietly dropped
)

func (m PoolMode) String() string {
	switch m {
	case PoolFailOnEmpty:
		return "fail"
	case PoolBlocking:
		return "blocking"
	case PoolDrop:
		return "drop"
	}
	return fmt.Sprintf("PoolMode(%d)", int(m))
}

// ParsePoolMode is the inverse of PoolMode.String. An empty string is PoolBlocking.
func ParsePoolMode(s string) (PoolMode, error) {
	switch s {
	case "fail":
		return PoolFailOnEmpty, nil
	case "blocking", "":
		return PoolBlocking, nil
	case "drop":
		return PoolDrop, nil
	}
	return PoolBlocking, fmt.Errorf("Unknown pool mode '%v'", s)
}

// Pool is a fixed set of page aligned buffers for one output tensor.
//
// The free list is a channel, so every Release wakes exactly one waiter in AcquireWait,
// and a release that happens before the wait begins is never missed.
type Pool struct {
	name    string
	bufSize int
	size    int
	free    chan []byte
}

// NewPool allocates 'count' buffers of 'bufSize' bytes each
func NewPool(name string, count, bufSize int) *Pool {
	p := &Pool{
		name:    name,
		bufSize: bufSize,
		size:    count,
		free:    make(chan []byte, count),
	}
	for i := 0; i < count; i++ {
		p.free <- DMABuffer(bufSize)
	}
	return p
}

func (p *Pool) Name() string {
	return p.name
}

// Size is the total number of buffers owned by the pool
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) BufferSize() int {
	return p.bufSize
}

// Available is the number of buffers that can be acquired without waiting
func (p *Pool) Available() int {
	return len(p.free)
}

// Acquire returns a free buffer, or false if there are none
func (p *Pool) Acquire() ([]byte, bool) {
	select {
	case b := <-p.free:
		return b, true
	default:
		return nil, false
	}
}

// AcquireWait waits for a free buffer, or until 'cancel' is closed
func (p *Pool) AcquireWait(cancel <-chan struct{}) ([]byte, error) {
	select {
	case b := <-p.free:
		return b, nil
	default:
	}
	select {
	case b := <-p.free:
		return b, nil
	case <-cancel:
		return nil, ErrCancelled
	}
}

// Get acquires a buffer according to 'mode'. In blocking mode it waits until 'cancel' is closed,
// and otherwise returns ErrPoolEmpty if there is no free buffer.
func (p *Pool) Get(mode PoolMode, cancel <-chan struct{}) ([]byte, error) {
	if mode == PoolBlocking {
		return p.AcquireWait(cancel)
	}
	if b, ok := p.Acquire(); ok {
		return b, nil
	}
	return nil, ErrPoolEmpty
}

// Release returns a buffer to the pool
func (p *Pool) Release(b []byte) {
	select {
	case p.free <- b[:p.bufSize]:
	default:
		panic("nnaccel: more buffers released to pool " + p.name + " than it owns")
	}
}
