package hub

import (
	"context"
	"errors"

	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/internal/channel"
	"github.com/telnet2/patchsync/internal/event"
	"github.com/telnet2/patchsync/pkg/types"
)

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// ResumeFrom is the last sequence the client already has. When the
	// channel history still covers it, the session starts with the missing
	// patches instead of a full snapshot.
	ResumeFrom *uint64
	// QueueCapacity overrides the hub's default queue bound.
	QueueCapacity int
}

// Resume returns a pointer to seq for SubscribeOptions.ResumeFrom.
func Resume(seq uint64) *uint64 {
	return &seq
}

// Subscribe opens a session on an existing channel. The session is already
// Streaming when returned, with the snapshot (or resume backlog) queued, and
// receives every later patch. It closes when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, id string, opts SubscribeOptions) (*broadcast.Session, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	c, err := h.store.Get(id)
	if err != nil {
		return nil, err
	}

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = h.capacity
	}
	s := broadcast.NewSession(id, broadcast.Options{
		Capacity: capacity,
		Resyncer: h,
		Observer: h,
	})

	err = c.Attach(func(snap types.Snapshot, history []*types.SequencedPatch) error {
		if err := h.bcast.Register(s); err != nil {
			return err
		}
		var backlog []*types.SequencedPatch
		if opts.ResumeFrom != nil {
			if b, ok := channel.Backlog(history, *opts.ResumeFrom, snap.Sequence); ok {
				backlog = append([]*types.SequencedPatch{}, b...)
			}
		}
		return s.LoadSnapshot(snap, backlog)
	})
	if err != nil {
		s.Close()
		if errors.Is(err, broadcast.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				s.Close()
			case <-s.Done():
			}
		}()
	}

	h.metrics.SessionsOpened.Inc()
	h.metrics.Sessions.Set(float64(h.bcast.Len()))
	h.bus.Publish(event.Event{Type: event.SessionOpened, Data: event.SessionOpenedData{Info: s.Info()}})
	h.log.Info().Str("channel", id).Str("session", s.ID()).Msg("session opened")
	return s, nil
}

// Unsubscribe closes a session.
func (h *Hub) Unsubscribe(sessionID string) error {
	return h.bcast.Unregister(sessionID)
}

// Session returns an open session.
func (h *Hub) Session(sessionID string) (*broadcast.Session, error) {
	return h.bcast.Get(sessionID)
}

// Sessions returns the sessions of a channel ordered by id.
func (h *Hub) Sessions(id string) []types.SessionInfo {
	sessions := h.bcast.Sessions(id)
	infos := make([]types.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Resync reloads a drained session with the current snapshot. It runs under
// the channel lock, so the session resumes exactly after the snapshot.
func (h *Hub) Resync(s *broadcast.Session) error {
	c, err := h.store.Get(s.Channel())
	if err != nil {
		return err
	}
	return c.Attach(func(snap types.Snapshot, _ []*types.SequencedPatch) error {
		return s.LoadSnapshot(snap, nil)
	})
}

// SessionDraining implements broadcast.Observer.
func (h *Hub) SessionDraining(s *broadcast.Session, reason error) {
	label := "overflow"
	if errors.Is(reason, broadcast.ErrSequenceGap) {
		label = "gap"
	}
	h.metrics.Drains.WithLabelValues(label).Inc()
	h.bus.Publish(event.Event{
		Type: event.SessionDraining,
		Data: event.SessionDrainingData{SessionID: s.ID(), Channel: s.Channel(), Reason: reason.Error()},
	})
	h.log.Warn().Err(reason).Str("channel", s.Channel()).Str("session", s.ID()).Msg("session dropped its queue")
}

// SessionLoaded implements broadcast.Observer.
func (h *Hub) SessionLoaded(s *broadcast.Session, seq uint64, backlog int) {
	mode := "snapshot"
	if backlog >= 0 {
		mode = "backlog"
	}
	h.metrics.Resyncs.WithLabelValues(mode).Inc()
	h.bus.Publish(event.Event{
		Type: event.SessionResynced,
		Data: event.SessionResyncedData{SessionID: s.ID(), Channel: s.Channel(), Sequence: seq, Backlog: backlog},
	})
}

// SessionClosed implements broadcast.Observer.
func (h *Hub) SessionClosed(s *broadcast.Session, cause error) {
	h.metrics.Sessions.Set(float64(h.bcast.Len()))

	data := event.SessionClosedData{SessionID: s.ID(), Channel: s.Channel()}
	ev := h.log.Info()
	if cause != nil {
		data.Error = cause.Error()
		ev = h.log.Warn().Err(cause)
	}
	h.bus.Publish(event.Event{Type: event.SessionClosed, Data: data})
	ev.Str("channel", s.Channel()).Str("session", s.ID()).Msg("session closed")
}
