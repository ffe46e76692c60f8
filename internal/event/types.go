package event

import "github.com/telnet2/patchsync/pkg/types"

// ChannelCreatedData is the data for channel.created events.
type ChannelCreatedData struct {
	Info types.ChannelInfo `json:"info"`
	// Implicit is true when the channel was created by its first publish.
	Implicit bool `json:"implicit"`
}

// ChannelUpdatedData is the data for channel.updated events.
type ChannelUpdatedData struct {
	Channel    string `json:"channel"`
	Sequence   uint64 `json:"sequence"`
	Operations int    `json:"operations"`
	Delivered  int    `json:"delivered"`
}

// ChannelRemovedData is the data for channel.removed events.
type ChannelRemovedData struct {
	Channel string `json:"channel"`
}

// SessionOpenedData is the data for session.opened events.
type SessionOpenedData struct {
	Info types.SessionInfo `json:"info"`
}

// SessionDrainingData is the data for session.draining events.
type SessionDrainingData struct {
	SessionID string `json:"sessionID"`
	Channel   string `json:"channel"`
	Reason    string `json:"reason"`
}

// SessionResyncedData is the data for session.resynced events.
// Backlog is the number of patches replayed, or -1 for a full snapshot.
type SessionResyncedData struct {
	SessionID string `json:"sessionID"`
	Channel   string `json:"channel"`
	Sequence  uint64 `json:"sequence"`
	Backlog   int    `json:"backlog"`
}

// SessionClosedData is the data for session.closed events.
type SessionClosedData struct {
	SessionID string `json:"sessionID"`
	Channel   string `json:"channel"`
	Error     string `json:"error,omitempty"`
}
