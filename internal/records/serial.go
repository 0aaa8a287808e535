package records

import "sync"

// serialQueue runs submitted funcs one at a time per key, in submission
// order. Distinct keys drain on their own goroutines.
type serialQueue struct {
	mu     sync.Mutex
	queues map[string][]func()
}

func newSerialQueue() *serialQueue {
	return &serialQueue{queues: make(map[string][]func())}
}

func (q *serialQueue) Submit(key string, fn func()) {
	q.mu.Lock()
	pending, running := q.queues[key]
	q.queues[key] = append(pending, fn)
	q.mu.Unlock()

	if !running {
		go q.drain(key)
	}
}

func (q *serialQueue) drain(key string) {
	for {
		q.mu.Lock()
		pending := q.queues[key]
		if len(pending) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		fn := pending[0]
		pending[0] = nil
		q.queues[key] = pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// Active reports how many keys currently have work queued or running.
func (q *serialQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}
