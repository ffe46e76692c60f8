// Package broadcast fans sequenced patches out to client sessions.
package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/telnet2/patchsync/pkg/types"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrClosed         = errors.New("broadcaster closed")
)

// Broadcaster tracks the open sessions of every channel.
type Broadcaster struct {
	mu        sync.RWMutex
	byChannel map[string]map[string]*Session
	byID      map[string]*Session
	closed    bool
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		byChannel: make(map[string]map[string]*Session),
		byID:      make(map[string]*Session),
	}
}

// Register adds a session to its channel's delivery list. The session
// deregisters itself when it closes.
func (b *Broadcaster) Register(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, ok := b.byID[s.ID()]; ok {
		return fmt.Errorf("session %s already registered", s.ID())
	}

	set, ok := b.byChannel[s.Channel()]
	if !ok {
		set = make(map[string]*Session)
		b.byChannel[s.Channel()] = set
	}
	if !s.setOnClose(b.remove) {
		if len(set) == 0 {
			delete(b.byChannel, s.Channel())
		}
		return ErrSessionClosed
	}
	set[s.ID()] = s
	b.byID[s.ID()] = s
	return nil
}

// Unregister closes a session and removes it.
func (b *Broadcaster) Unregister(sessionID string) error {
	b.mu.RLock()
	s, ok := b.byID[sessionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.Close()
	return nil
}

func (b *Broadcaster) remove(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.byID, s.ID())
	if set, ok := b.byChannel[s.Channel()]; ok {
		delete(set, s.ID())
		if len(set) == 0 {
			delete(b.byChannel, s.Channel())
		}
	}
}

// Emit offers sp to every session of its channel and returns how many
// accepted it. Offers never block, so one session cannot delay another.
func (b *Broadcaster) Emit(sp *types.SequencedPatch) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	accepted := 0
	for _, s := range b.byChannel[sp.Channel] {
		if s.Offer(sp) {
			accepted++
		}
	}
	return accepted
}

// Get returns a registered session.
func (b *Broadcaster) Get(sessionID string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s, nil
}

// Sessions returns the sessions of a channel ordered by id.
func (b *Broadcaster) Sessions(channel string) []*Session {
	b.mu.RLock()
	out := make([]*Session, 0, len(b.byChannel[channel]))
	for _, s := range b.byChannel[channel] {
		out = append(out, s)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of sessions of a channel.
func (b *Broadcaster) Count(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byChannel[channel])
}

// Len returns the total number of sessions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// CloseChannel closes every session of a channel.
func (b *Broadcaster) CloseChannel(channel string) {
	for _, s := range b.Sessions(channel) {
		s.Close()
	}
}

// Close closes all sessions and rejects further registrations.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	all := make([]*Session, 0, len(b.byID))
	for _, s := range b.byID {
		all = append(all, s)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
