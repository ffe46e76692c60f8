package types

import (
	"fmt"
	"time"
)

// ChannelInfo describes a channel without its value.
type ChannelInfo struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Sessions  int       `json:"sessions"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionState is the state of a connection session.
type SessionState int

const (
	StateAwaitingSnapshot SessionState = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingSnapshot:
		return "awaiting_snapshot"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText renders the state by name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *SessionState) UnmarshalText(text []byte) error {
	for st := StateAwaitingSnapshot; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID           string       `json:"id"`
	Channel      string       `json:"channel"`
	State        SessionState `json:"state"`
	LastAcked    uint64       `json:"lastAcked"`
	LastEnqueued uint64       `json:"lastEnqueued"`
	Queued       int          `json:"queued"`
	Capacity     int          `json:"capacity"`
	Resyncs      int          `json:"resyncs"`
	CreatedAt    time.Time    `json:"createdAt"`
}
