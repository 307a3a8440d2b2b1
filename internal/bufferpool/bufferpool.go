// Package bufferpool provides tiered byte-slice reuse for envelope
// encode/decode paths, avoiding an allocation per message in the common
// case.
package bufferpool

import "sync"

const (
	smallSize  = 4 * 1024
	mediumSize = 16 * 1024
	largeSize  = 64 * 1024
)

// Pool is a tiered sync.Pool keyed by requested size. Buffers larger than
// the largest tier are allocated directly and not pooled.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// New constructs an empty tiered buffer pool.
func New() *Pool {
	p := &Pool{}
	p.small.New = func() any { b := make([]byte, 0, smallSize); return &b }
	p.medium.New = func() any { b := make([]byte, 0, mediumSize); return &b }
	p.large.New = func() any { b := make([]byte, 0, largeSize); return &b }
	return p
}

// Get returns a buffer with capacity >= size, reset to zero length.
func (p *Pool) Get(size int) *[]byte {
	var buf *[]byte
	switch {
	case size <= smallSize:
		buf = p.small.Get().(*[]byte)
	case size <= mediumSize:
		buf = p.medium.Get().(*[]byte)
	case size <= largeSize:
		buf = p.large.Get().(*[]byte)
	default:
		b := make([]byte, 0, size)
		return &b
	}
	if cap(*buf) < size {
		*buf = make([]byte, 0, size)
	}
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to the pool tier matching its capacity. Buffers above the
// largest tier are dropped for garbage collection.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	switch {
	case c <= smallSize:
		p.small.Put(buf)
	case c <= mediumSize:
		p.medium.Put(buf)
	case c <= largeSize:
		p.large.Put(buf)
	default:
		// not pooled
	}
}
