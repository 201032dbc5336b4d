// Package transport also provides the bounded worker pool that runs request
// and notification handlers off the reader goroutine.
//
// Pool design: a buffered channel is the semaphore. Acquiring a slot blocks
// when all workers are busy, which pushes back on the reader instead of
// spawning unbounded goroutines.
package transport

import (
	"context"
	"sync"
)

// DefaultWorkers is the default number of concurrently running handlers.
const DefaultWorkers = 16

// WorkerPool runs functions on at most size goroutines at a time.
type WorkerPool struct {
	slots chan struct{} // one token per running function
	wg    sync.WaitGroup
}

// NewWorkerPool creates a pool. A size below 1 uses DefaultWorkers.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = DefaultWorkers
	}
	return &WorkerPool{slots: make(chan struct{}, size)}
}

// Go runs fn on a pool goroutine, waiting for a free slot first. It returns
// ctx.Err() without running fn if ctx ends while waiting.
func (p *WorkerPool) Go(ctx context.Context, fn func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Busy returns the number of running functions.
func (p *WorkerPool) Busy() int {
	return len(p.slots)
}

// Wait blocks until every started function has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
