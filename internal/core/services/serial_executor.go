package services

import "sync"

// serialExecutor runs submitted functions one at a time in submission order on
// a goroutine that exists only while there is work queued.
type serialExecutor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *serialExecutor) Enqueue(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.drain()
}

func (e *serialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

// Len returns the number of functions waiting to run.
func (e *serialExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
