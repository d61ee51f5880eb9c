package mesh

import "sync"

// serial runs pushed funcs one at a time, in push order, on a goroutine that
// only lives while there is work. push never blocks.
type serial struct {
	mu      sync.Mutex
	q       []func()
	running bool
}

func (s *serial) push(fn func()) {
	s.mu.Lock()
	s.q = append(s.q, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *serial) drain() {
	for {
		s.mu.Lock()
		if len(s.q) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.q[0]
		s.q = s.q[1:]
		s.mu.Unlock()
		fn()
	}
}
