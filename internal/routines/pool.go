// Package routines provides a fixed size pool of go-routines.
package routines

import (
	"sync"
)

// Pool is a pool of go-routines that execute queued functions.
// A pool with a single go-routine executes functions sequentially in the
// order they were queued.
type Pool struct {
	workCh chan func()
	wg     sync.WaitGroup

	lock   sync.Mutex
	closed bool
}

// NewPool creates a pool and starts workers go-routines.
func NewPool(workers int) *Pool {
	if workers < 1 {
		panic("pool must have at least 1 worker")
	}

	p := Pool{
		// the buffer only decouples producers from the workers, Queue
		// blocks when it is full
		workCh: make(chan func(), 64),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for fn := range p.workCh {
		fn()
	}
}

// Queue schedules fn for execution.
// It panics when it is called after Wait().
func (p *Pool) Queue(fn func()) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		panic("Queue() called on pool after Wait()")
	}

	p.workCh <- fn
}

// Wait waits until all queued functions were executed and terminates the
// worker go-routines.
// Functions can not be queued after Wait() was called.
func (p *Pool) Wait() {
	p.lock.Lock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
	p.lock.Unlock()

	p.wg.Wait()
}
