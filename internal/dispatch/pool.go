package dispatch

import "context"

// Pool is a counting semaphore bounding concurrent adapter calls across all
// in-flight jobs, enforcement and sync alike. One wide job cannot monopolize
// outbound connections to the platforms.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Acquire blocks until a worker slot frees up or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Release() {
	<-p.sem
}

// Size reports the pool's slot count.
func (p *Pool) Size() int {
	return cap(p.sem)
}
