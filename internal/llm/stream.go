package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the Stream interface. The producer
// runs in its own goroutine and sends events on a channel; Recv reads from the
// channel until the producer returns. Close (or cancellation of the parent
// context) stops the producer within one send and releases its goroutine.
type eventStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{} // closed when the producer goroutine exits

	prodErr error // producer return value, valid after done is closed

	mu        sync.Mutex
	recvErr   error // terminal error returned by Recv, sticky once set
	closeOnce sync.Once
}

// NewEventStream starts producer in a goroutine and returns a Stream over its
// events. The producer must return once its context is cancelled; sends on the
// events channel unblock when the stream is closed.
func NewEventStream(ctx context.Context, producer func(ctx context.Context, events chan<- Event) error) Stream {
	return newEventStream(ctx, producer)
}

func newEventStream(ctx context.Context, producer func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	go func() {
		err := producer(ctx, s.events)
		if err == nil {
			err = ctx.Err()
		}
		s.prodErr = err
		close(s.events)
		close(s.done)
	}()

	return s
}

func (s *eventStream) Recv() (Event, error) {
	s.mu.Lock()
	if s.recvErr != nil {
		err := s.recvErr
		s.mu.Unlock()
		return Event{}, err
	}
	s.mu.Unlock()

	select {
	case event, ok := <-s.events:
		if ok {
			return event, nil
		}
		return Event{}, s.finish()
	case <-s.ctx.Done():
		// Drain events the producer buffered before cancellation, then
		// surface the context error.
		select {
		case event, ok := <-s.events:
			if ok {
				return event, nil
			}
			return Event{}, s.finish()
		default:
		}
		s.setErr(s.ctx.Err())
		return Event{}, s.ctx.Err()
	}
}

// finish waits for the producer to exit and records its terminal error.
func (s *eventStream) finish() error {
	<-s.done
	err := s.prodErr
	if err == nil {
		err = io.EOF
	}
	s.setErr(err)
	return err
}

func (s *eventStream) setErr(err error) {
	s.mu.Lock()
	if s.recvErr == nil {
		s.recvErr = err
	}
	s.mu.Unlock()
}

// Close cancels the producer. Safe to call multiple times; no events are
// delivered after Close returns.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// Unblock the producer if it is mid-send, then wait for it to
		// exit so the goroutine never outlives the stream.
		go func() {
			for range s.events {
			}
		}()
		<-s.done
		s.setErr(io.EOF)
	})
	return nil
}
