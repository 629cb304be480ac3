package main

import (
	"log/slog"
	"sync"
)

const (
	defaultWorkers   = 6
	defaultQueueSize = 256
)

// pool runs envelope handlers on a fixed set of workers with a bounded
// queue. When the queue is full, Submit refuses instead of blocking the
// transport read loop.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func newPool(workers, queueSize int) *pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p := &pool{tasks: make(chan func(), queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Worker task panicked", "panic", r)
				}
			}()
			task()
		}()
	}
}

// Submit queues a task. It reports false when the pool is saturated or
// stopped; the caller owes the client a backpressure error. The read lock
// keeps the send ordered before Stop's close of the queue.
func (p *pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight tasks to finish. Submits
// racing or following Stop are refused, never panicked.
func (p *pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
