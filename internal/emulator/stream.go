package emulator

import (
	"errors"
	"fmt"
	"sync"

	"trtd/internal/trt"
)

// stream executes enqueued operations in FIFO order on its own goroutine.
type stream struct {
	ops  chan func() error
	done chan struct{}

	// mu guards closed; senders hold it shared so Close cannot close ops
	// under them.
	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error // first failure, reported by the next Synchronize
}

func newStream() *stream {
	s := &stream{
		ops:  make(chan func() error, 64),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
	}
}

func (s *stream) enqueue(op func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("emulator: stream: %w", trt.ErrClosed)
	}
	s.ops <- op
	return nil
}

func (s *stream) Synchronize() error {
	marker := make(chan struct{})
	if err := s.enqueue(func() error { close(marker); return nil }); err != nil {
		return err
	}
	<-marker
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close drains pending operations and stops the worker.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return nil
}

func asStream(s trt.Stream) (*stream, error) {
	st, ok := s.(*stream)
	if !ok || st == nil {
		return nil, errors.New("emulator: stream was not created by the emulator device")
	}
	return st, nil
}
