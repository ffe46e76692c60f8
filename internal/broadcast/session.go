package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/telnet2/patchsync/pkg/types"
)

var (
	// ErrQueueOverflow is recorded when a session falls too far behind.
	ErrQueueOverflow = errors.New("session queue overflow")
	// ErrSequenceGap is recorded when an offered patch does not follow the
	// last enqueued sequence.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrSessionClosed is returned by the outbound interface once closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidState is returned by LoadSnapshot outside AwaitingSnapshot.
	ErrInvalidState = errors.New("invalid session state")
)

// DefaultCapacity is the outbound queue bound used when none is given.
const DefaultCapacity = 64

// Resyncer reloads a session whose queue was dropped. Implementations call
// LoadSnapshot while holding whatever lock orders them against publishes.
type Resyncer interface {
	Resync(s *Session) error
}

// Observer is notified of session transitions. Methods are called without
// the session lock held and must not block.
type Observer interface {
	SessionDraining(s *Session, reason error)
	SessionLoaded(s *Session, seq uint64, backlog int)
	SessionClosed(s *Session, cause error)
}

type nopObserver struct{}

func (nopObserver) SessionDraining(*Session, error)     {}
func (nopObserver) SessionLoaded(*Session, uint64, int) {}
func (nopObserver) SessionClosed(*Session, error)       {}

// Options configures a new session.
type Options struct {
	Capacity int
	Resyncer Resyncer
	Observer Observer
}

// Session is one client's subscription to one channel. The broadcaster is
// the only producer of its queue and the transport write loop the only
// consumer.
type Session struct {
	id        string
	channel   string
	capacity  int
	resyncer  Resyncer
	observer  Observer
	createdAt time.Time

	mu           sync.Mutex
	state        types.SessionState
	queue        []*types.SequencedPatch
	lastEnqueued uint64
	lastAcked    uint64
	resyncs      int
	cause        error
	onClose      func(*Session)

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session in AwaitingSnapshot.
func NewSession(channel string, opts Options) *Session {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Session{
		id:        ulid.Make().String(),
		channel:   channel,
		capacity:  opts.Capacity,
		resyncer:  opts.Resyncer,
		observer:  opts.Observer,
		createdAt: time.Now(),
		state:     types.StateAwaitingSnapshot,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Channel() string { return s.channel }

// State returns the current state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause recorded by Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Info returns a snapshot of the session's bookkeeping.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SessionInfo{
		ID:           s.id,
		Channel:      s.channel,
		State:        s.state,
		LastAcked:    s.lastAcked,
		LastEnqueued: s.lastEnqueued,
		Queued:       len(s.queue),
		Capacity:     s.capacity,
		Resyncs:      s.resyncs,
		CreatedAt:    s.createdAt,
	}
}

// Ready is signalled whenever the queue gains entries or the session needs a
// resync. A wakeup may find nothing to drain.
func (s *Session) Ready() <-chan struct{} {
	return s.notify
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// LoadSnapshot moves an AwaitingSnapshot session to Streaming. When backlog
// is non-nil and fits in the queue, the session resumes with those patches;
// otherwise it is sent the full snapshot as a root replace.
func (s *Session) LoadSnapshot(snap types.Snapshot, backlog []*types.SequencedPatch) error {
	s.mu.Lock()
	switch s.state {
	case types.StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case types.StateAwaitingSnapshot:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: load snapshot in %s", ErrInvalidState, st)
	}

	resumed := backlog != nil && len(backlog) <= s.capacity
	if resumed {
		s.queue = append(make([]*types.SequencedPatch, 0, len(backlog)), backlog...)
	} else {
		s.queue = []*types.SequencedPatch{types.ResyncPatch(snap)}
	}
	s.lastEnqueued = snap.Sequence
	s.state = types.StateStreaming
	n := len(s.queue)
	if !resumed {
		n = -1
	}
	s.mu.Unlock()

	s.signal()
	s.observer.SessionLoaded(s, snap.Sequence, n)
	return nil
}

// Offer enqueues a patch without blocking. Only Streaming sessions accept
// patches; a full queue or a sequence gap moves the session to Draining.
func (s *Session) Offer(sp *types.SequencedPatch) bool {
	s.mu.Lock()
	if s.state != types.StateStreaming || sp.Sequence <= s.lastEnqueued {
		s.mu.Unlock()
		return false
	}

	var reason error
	switch {
	case sp.Sequence != s.lastEnqueued+1:
		reason = fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, s.lastEnqueued+1, sp.Sequence)
	case len(s.queue) >= s.capacity:
		reason = ErrQueueOverflow
	}

	if reason != nil {
		s.state = types.StateDraining
		s.queue = nil
		s.mu.Unlock()
		s.signal()
		s.observer.SessionDraining(s, reason)
		return false
	}

	s.queue = append(s.queue, sp)
	s.lastEnqueued = sp.Sequence
	s.mu.Unlock()

	s.signal()
	return true
}

// Drain removes and returns every queued patch. A Draining session is
// resynchronized first, so the result then starts with a snapshot. Patches
// are shared with every other session of the channel and must not be
// modified.
func (s *Session) Drain() ([]*types.SequencedPatch, error) {
	return s.take(-1)
}

// Next blocks until a patch is available, the session closes or ctx ends.
func (s *Session) Next(ctx context.Context) (*types.SequencedPatch, error) {
	for {
		batch, err := s.take(1)
		if err != nil {
			return nil, err
		}
		if len(batch) == 1 {
			return batch[0], nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSessionClosed
		case <-s.notify:
		}
	}
}

func (s *Session) take(limit int) ([]*types.SequencedPatch, error) {
	s.mu.Lock()
	switch s.state {
	case types.StateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case types.StateDraining:
		s.state = types.StateAwaitingSnapshot
		s.resyncs++
		s.mu.Unlock()

		if err := s.resync(); err != nil {
			s.Fail(err)
			return nil, ErrSessionClosed
		}
		s.mu.Lock()
		if s.state == types.StateClosed {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
	}

	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	var out []*types.SequencedPatch
	if limit < 0 || limit >= len(s.queue) {
		out = s.queue
		s.queue = nil
	} else {
		out = append([]*types.SequencedPatch(nil), s.queue[:limit]...)
		s.queue = s.queue[limit:]
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Session) resync() error {
	if s.resyncer == nil {
		return fmt.Errorf("session %s: no resyncer", s.id)
	}
	return s.resyncer.Resync(s)
}

// Ack records that the client has received everything up to seq.
func (s *Session) Ack(seq uint64) {
	s.mu.Lock()
	if seq > s.lastAcked {
		s.lastAcked = seq
	}
	s.mu.Unlock()
}

// Fail closes the session because of a transport failure.
func (s *Session) Fail(err error) {
	s.close(err)
}

// Close closes the session. It is safe to call more than once.
func (s *Session) Close() {
	s.close(nil)
}

func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = types.StateClosed
		s.queue = nil
		s.cause = cause
		onClose := s.onClose
		s.mu.Unlock()

		close(s.done)
		if onClose != nil {
			onClose(s)
		}
		s.observer.SessionClosed(s, cause)
	})
}

// setOnClose installs the close hook and reports false if the session is
// already closed, in which case the hook will never run.
func (s *Session) setOnClose(fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateClosed {
		return false
	}
	s.onClose = fn
	return true
}
