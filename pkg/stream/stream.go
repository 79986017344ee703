package stream

import (
	"sync"
)

// Stream is an ordered asynchronous sequence of values.
//
// Producers call Send, Finish or Fail and never block: values are queued and
// pumped to the consumer channel in order. Consumers range over C and may call
// Close at any time to cancel; the release function passed to New runs exactly
// once on every exit path.
type Stream[T any] struct {
	out    chan T
	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	queue     []T
	finishing bool
	err       error

	stopOnce    sync.Once
	releaseOnce sync.Once
	release     func()
}

// New creates a stream and starts its pump. release may be nil.
func New[T any](release func()) *Stream[T] {
	s := &Stream[T]{
		out:     make(chan T),
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		release: release,
	}
	go s.pump()
	return s
}

// C returns the consumer channel. It is closed when the stream ends.
func (s *Stream[T]) C() <-chan T {
	return s.out
}

// Done is closed after the consumer channel has been closed and release ran.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Send queues v. It reports false when the stream no longer accepts values.
func (s *Stream[T]) Send(v T) bool {
	s.mu.Lock()
	if s.finishing || s.stopped() {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.notify()
	return true
}

// Finish ends the stream after the queued values are delivered.
func (s *Stream[T]) Finish() {
	s.Fail(nil)
}

// Fail ends the stream with err after the queued values are delivered.
func (s *Stream[T]) Fail(err error) {
	s.mu.Lock()
	if !s.finishing {
		s.finishing = true
		s.err = err
	}
	s.mu.Unlock()
	s.notify()
}

// Close cancels the stream from the consumer side. Queued values are dropped.
func (s *Stream[T]) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Err returns the error the stream failed with, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream[T]) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Stream[T]) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Stream[T]) pump() {
	defer func() {
		close(s.out)
		s.releaseOnce.Do(func() {
			if s.release != nil {
				s.release()
			}
		})
		close(s.done)
	}()

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- v:
			case <-s.stop:
				return
			}
			continue
		}
		if s.finishing {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.stop:
			return
		}
	}
}
