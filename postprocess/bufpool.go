package postprocess

import (
	"sync"
)

// slabPool recycles buffers made of up to maxSlabs fixed size slabs, one
// slab per detection. Requests for more slabs are allocated directly and
// dropped again on Put.
type slabPool[T any] struct {
	pool     sync.Pool
	slab     int
	maxSlabs int
}

// newSlabPool returns a pool of buffers holding maxSlabs slabs of slab values
func newSlabPool[T any](slab, maxSlabs int) *slabPool[T] {

	if maxSlabs < 1 {
		maxSlabs = 1
	}

	p := &slabPool[T]{slab: slab, maxSlabs: maxSlabs}

	p.pool.New = func() any {
		return make([]T, slab*maxSlabs)
	}

	return p
}

// Get returns a zeroed buffer of n slabs
func (p *slabPool[T]) Get(n int) []T {

	size := n * p.slab

	if n > p.maxSlabs {
		return make([]T, size)
	}

	buf := p.pool.Get().([]T)[:size]

	var zero T

	for i := range buf {
		buf[i] = zero
	}

	return buf
}

// Put hands a buffer from Get back to the pool
func (p *slabPool[T]) Put(buf []T) {

	if cap(buf) != p.slab*p.maxSlabs {
		return
	}

	p.pool.Put(buf[:cap(buf)])
}

// Slab is the number of values per slab
func (p *slabPool[T]) Slab() int {
	return p.slab
}
