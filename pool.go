package tangram

import (
	"sync"
)

// Pool holds Pipelines for processing several independent camera streams
// concurrently. A Pipeline must only be used by one goroutine between Get
// and Return.
type Pool struct {
	// pool of pipelines
	pipelines chan *Pipeline
	// size of pool
	size  int
	close sync.Once
}

// NewPool creates a pool of size Pipelines sharing the same settings
func NewPool(size int, modelsPath string, params PipelineParams) (*Pool, error) {
	p := &Pool{
		pipelines: make(chan *Pipeline, size),
		size:      size,
	}

	for i := 0; i < size; i++ {
		pl, err := NewPipeline(modelsPath, params)

		if err != nil {
			// close any instances that may have been created before receiving
			// the error
			p.Close()
			return nil, err
		}

		// attach to pool
		p.Return(pl)
	}

	return p, nil
}

// Get a pipeline from the pool, blocking until one is free
func (p *Pool) Get() *Pipeline {
	return <-p.pipelines
}

// Return a pipeline to the pool. Its tracking state is reset so the next
// stream starts cold.
func (p *Pool) Return(pl *Pipeline) {
	pl.Reset()

	select {
	case p.pipelines <- pl:
	default:
		// pool is full or closed
		_ = pl.Close()
	}
}

// Size returns the number of pipelines the pool was created with
func (p *Pool) Size() int {
	return p.size
}

// Close the pool and all pipelines in it
func (p *Pool) Close() {
	p.close.Do(func() {
		// close channel
		close(p.pipelines)

		// close all pipelines
		for next := range p.pipelines {
			_ = next.Close()
		}
	})
}
