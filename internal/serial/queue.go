// Package serial runs callbacks one at a time, in the order they were
// posted, on a goroutine of their own.
package serial

import "sync"

// Queue is a single-worker executor. Post never blocks, so it can be
// called while holding locks the posted functions will later take.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New() *Queue {
	q := &Queue{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go q.run()
	return q
}

// Post schedules fn after everything posted before it.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop drops anything still pending. It is safe to call more than once,
// including from a posted function.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}
