package kernel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Executor runs one scheduled value. ctx carries the scheduler's in-flight
// marker so operations submitted from inside it run inline.
type Executor[T any] func(ctx context.Context, value T) error

// Scheduler runs at most one queued operation at a time, in submission order.
// Values matching the trampoline predicate bypass the queue while another
// operation is in flight.
type Scheduler[T any] struct {
	mu             sync.Mutex
	queue          []*operation[T]
	inFlight       *operation[T]
	draining       bool
	mustTrampoline func(T) bool
}

type operation[T any] struct {
	ctx     context.Context
	value   T
	exec    Executor[T]
	done    chan error
	settled atomic.Bool
}

type inFlightKey struct{ s any }

func NewScheduler[T any]() *Scheduler[T] {
	return &Scheduler[T]{}
}

func (s *Scheduler[T]) SetMustTrampoline(pred func(T) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustTrampoline = pred
}

// RunAsync schedules value and waits for it to settle. A caller that gives
// up through ctx gets ctx.Err(); the operation still holds its slot until
// its executor returns.
func (s *Scheduler[T]) RunAsync(ctx context.Context, value T, exec Executor[T]) error {
	done := s.Schedule(ctx, value, exec)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule submits value and returns a channel that receives the result once.
// Submissions made from inside an unsettled operation of this scheduler run
// inline on the calling goroutine.
func (s *Scheduler[T]) Schedule(ctx context.Context, value T, exec Executor[T]) <-chan error {
	op := &operation[T]{ctx: ctx, value: value, exec: exec, done: make(chan error, 1)}

	if parent, ok := ctx.Value(inFlightKey{s}).(*operation[T]); ok && !parent.settled.Load() {
		s.execute(op)
		return op.done
	}

	s.mu.Lock()
	if s.inFlight != nil && s.mustTrampoline != nil && s.mustTrampoline(value) {
		s.mu.Unlock()
		go s.execute(op)
		return op.done
	}
	s.queue = append(s.queue, op)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
	s.mu.Unlock()
	return op.done
}

// Busy reports whether an operation is in flight or queued.
func (s *Scheduler[T]) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight != nil || len(s.queue) > 0
}

func (s *Scheduler[T]) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.inFlight = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.inFlight = op
		s.mu.Unlock()

		s.execute(op)
	}
}

func (s *Scheduler[T]) execute(op *operation[T]) {
	ctx := context.WithValue(op.ctx, inFlightKey{s}, op)
	err := op.exec(ctx, op.value)
	op.settled.Store(true)
	op.done <- err
}
