package hub

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/telnet2/patchsync/internal/patch"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("sender closed")

// Stream publishes every value received from values to channel id until
// values is closed or ctx ends. With a positive finite limit, publishes are
// throttled and values that arrive while waiting collapse into the latest
// one. Values that cannot be diffed are logged and skipped.
func (h *Hub) Stream(ctx context.Context, id string, values <-chan any, limit rate.Limit) error {
	var limiter *rate.Limiter
	if limit > 0 && limit != rate.Inf {
		limiter = rate.NewLimiter(limit, 1)
	}

	for {
		var v any
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-values:
			if !ok {
				return nil
			}
			v = next
		}

		open := true
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			v, open = latest(values, v)
		}

		if _, err := h.Publish(ctx, id, v); err != nil {
			if !errors.Is(err, patch.ErrMalformedSnapshot) {
				return err
			}
			h.log.Warn().Err(err).Str("channel", id).Msg("skipping malformed value")
		}
		if !open {
			return nil
		}
	}
}

// latest drains every value already buffered in values and returns the last
// one, and false if values was closed meanwhile.
func latest(values <-chan any, v any) (any, bool) {
	for {
		select {
		case next, ok := <-values:
			if !ok {
				return v, false
			}
			v = next
		default:
			return v, true
		}
	}
}

// Sender is a buffered producer handle for one channel, backed by Stream.
type Sender struct {
	values chan any
	done   chan struct{}
	cancel context.CancelFunc
	// err is written before done is closed.
	err error

	mu     sync.RWMutex
	closed bool
}

// NewSender starts a producer goroutine for channel id. buffer bounds the
// number of values waiting to be published.
func (h *Hub) NewSender(id string, buffer int, limit rate.Limit) *Sender {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		values: make(chan any, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		err := h.Stream(ctx, id, s.values, limit)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.err = err
		close(s.done)
	}()
	return s
}

// Send queues v, blocking while the buffer is full.
func (s *Sender) Send(ctx context.Context, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSenderClosed
	}

	select {
	case s.values <- v:
		return nil
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return ErrSenderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues v if there is room and reports whether it did.
func (s *Sender) TrySend(v any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.values <- v:
		return true
	default:
		return false
	}
}

// Close publishes the values still buffered, stops the producer and returns
// the error that stopped it early, if any.
func (s *Sender) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.values)
	}
	s.mu.Unlock()

	<-s.done
	s.cancel()
	return s.err
}
