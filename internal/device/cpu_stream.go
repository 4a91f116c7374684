package device

import (
	"fmt"
	"sync"
)

// stream runs enqueued device work on one goroutine in issue order. The first
// error raised by any op is sticky until the next synchronize.
type stream struct {
	ops       chan func() error
	done      chan struct{}
	closeOnce sync.Once

	// sendMu orders enqueue against close so nothing is sent on a closed
	// channel.
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	err     error
}

func newStream() *stream {
	s := &stream{
		ops:  make(chan func() error, 64),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for op := range s.ops {
		err := op()
		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// enqueue queues op behind earlier work. It fails once the stream is closed.
func (s *stream) enqueue(op func() error) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return fmt.Errorf("stream closed: %w", ErrNotInitialized)
	}
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	s.ops <- op
	return nil
}

// synchronize waits for all enqueued ops and returns the sticky error.
func (s *stream) synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// wait blocks until every enqueued op has finished. Unlike synchronize it
// leaves the sticky error for the next synchronize to report.
func (s *stream) wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
}

// close drains the stream and stops its goroutine. Later calls return nil.
func (s *stream) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		err = s.synchronize()
		close(s.ops)
		<-s.done
	})
	return err
}
