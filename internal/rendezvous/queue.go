package rendezvous

import "sync"

// deliveryQueue hands snapshots to one callback on its own goroutine, in
// the order they were pushed, without ever blocking the pusher.
type deliveryQueue struct {
	mu      sync.Mutex
	pending []Snapshot
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	fn      func(Snapshot)
}

func newDeliveryQueue(fn func(Snapshot)) *deliveryQueue {
	q := &deliveryQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		fn:   fn,
	}
	go q.pump()
	return q
}

func (q *deliveryQueue) push(s Snapshot) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *deliveryQueue) pump() {
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
			next := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			q.fn(next)
		}
	}
}
