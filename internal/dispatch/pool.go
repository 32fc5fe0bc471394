package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool runs jobs on a fixed number of worker goroutines. Submission never
// blocks: jobs queue in memory until a worker is free, so the event stream
// is never stalled by slow pipelines while execution stays bounded.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts a pool with the given number of workers.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}

	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		job()
	}
}

// Submit queues one job. Returns false if the pool is already stopped.
func (p *Pool) Submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		log.Debug().Msg("Job rejected: worker pool is stopped")
		return false
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return true
}

// Stop closes the intake and returns without waiting for in-flight or
// queued jobs. Workers drain the remaining queue and exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cond.Broadcast()
}

// Wait blocks until all workers have exited. Only meaningful after Stop.
func (p *Pool) Wait() {
	p.wg.Wait()
}
