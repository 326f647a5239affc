package subscription

import (
	"context"
	"sync"
)

// Subscription is one observer attached to a query. Updates are buffered
// in an unbounded FIFO and handed to the observer by a dedicated
// goroutine, so commits never wait on observers.
type Subscription struct {
	id       uint64
	engine   *Engine
	query    *query
	observer Observer

	mu      sync.Mutex
	pending []Update
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	// held while the observer runs; Close acquires it to wait out an
	// in-flight delivery.
	deliverMu sync.Mutex
	closeOnce sync.Once
}

func newSubscription(id uint64, e *Engine, q *query, obs Observer) *Subscription {
	return &Subscription{
		id:       id,
		engine:   e,
		query:    q,
		observer: obs,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Key returns the key of the subscribed query.
func (s *Subscription) Key() string {
	return s.query.Key
}

func (s *Subscription) enqueue(u Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, u)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) == 0 {
		return Update{}, false
	}
	u := s.pending[0]
	s.pending[0] = Update{}
	s.pending = s.pending[1:]
	return u, true
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			u, ok := s.next()
			if !ok {
				break
			}
			s.deliverMu.Lock()
			if !s.isClosed() {
				s.observer(u)
			}
			s.deliverMu.Unlock()
		}
	}
}

// Close detaches the subscription. When Close returns the observer is not
// running and will never be called again. Close must not be called from
// inside the observer.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		detached := s.engine.detach(s)

		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)

		// wait for an in-flight delivery
		s.deliverMu.Lock()
		s.deliverMu.Unlock() //nolint:staticcheck

		if detached && s.engine.recorder != nil {
			s.engine.recorder.RecordObservers(context.Background(), -1)
		}
	})
}
