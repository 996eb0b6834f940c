package relay

import (
	"sync"

	"github.com/copperline/foundry/internal/model"
)

// subscriber decouples the push path from slow consumers: pushes append
// to an unbounded queue under a mutex and a pump goroutine drains it to
// the outbound channel, preserving order.
type subscriber struct {
	mu     sync.Mutex
	queue  []*model.OutputEvent
	notify chan struct{}
	closed bool
	out    chan *model.OutputEvent
}

func newSubscriber() *subscriber {
	s := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan *model.OutputEvent, 64),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev *model.OutputEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for range s.notify {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					close(s.out)
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.out <- ev
		}
	}
}
