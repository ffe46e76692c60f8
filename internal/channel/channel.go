// Package channel holds the authoritative snapshot of every synchronized
// channel and stamps the patches produced by publishes.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telnet2/patchsync/internal/patch"
	"github.com/telnet2/patchsync/pkg/types"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelExists  = errors.New("channel already exists")
	ErrInvalidID      = errors.New("invalid channel id")
)

// EmitFunc receives every stamped patch while the channel lock is held,
// so calls for one channel arrive in sequence order.
type EmitFunc func(sp *types.SequencedPatch)

// Channel is a named synchronization stream with one current value.
type Channel struct {
	id string

	mu        sync.Mutex
	snapshot  any
	lastSeq   uint64
	history   []*types.SequencedPatch
	historyN  int
	createdAt time.Time
	updatedAt time.Time
	removed   bool
}

func newChannel(id string, initial any, seq uint64, historySize int) *Channel {
	now := time.Now()
	return &Channel{
		id:        id,
		snapshot:  initial,
		lastSeq:   seq,
		historyN:  historySize,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the channel id.
func (c *Channel) ID() string {
	return c.id
}

// Publish replaces the snapshot with value and emits the resulting patch.
// A value structurally equal to the current snapshot is a no-op and returns
// a nil patch. On error the snapshot is left unchanged.
func (c *Channel) Publish(value any, emit EmitFunc) (*types.SequencedPatch, error) {
	next, err := patch.Normalize(value)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, c.id)
	}

	ops, err := patch.DiffNormalized(c.snapshot, next)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	sp := c.stamp(ops)
	c.snapshot = next
	c.updatedAt = time.Now()
	c.remember(sp)

	if emit != nil {
		emit(sp)
	}
	return sp, nil
}

// Snapshot returns the current value and its sequence number. The value is
// the live snapshot, and emitted patch values share its subtrees; callers
// must treat both as read-only.
func (c *Channel) Snapshot() types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Channel) snapshotLocked() types.Snapshot {
	return types.Snapshot{Channel: c.id, Sequence: c.lastSeq, Value: c.snapshot}
}

// Attach runs fn with the current snapshot and the retained patch history
// while holding the channel lock. No publish can interleave with fn, which
// makes it the place to register or resynchronize a subscriber.
func (c *Channel) Attach(fn func(snap types.Snapshot, history []*types.SequencedPatch) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, c.id)
	}
	return fn(c.snapshotLocked(), c.history)
}

// Info returns channel metadata.
func (c *Channel) Info() types.ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.ChannelInfo{
		ID:        c.id,
		Sequence:  c.lastSeq,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}
}

func (c *Channel) remember(sp *types.SequencedPatch) {
	if c.historyN <= 0 {
		return
	}
	if len(c.history) == c.historyN {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, sp)
}

func (c *Channel) markRemoved() {
	c.mu.Lock()
	c.removed = true
	c.history = nil
	c.mu.Unlock()
}

// Backlog returns the retained patches with sequence greater than since,
// or false when the history does not reach back that far.
func Backlog(history []*types.SequencedPatch, since, current uint64) ([]*types.SequencedPatch, bool) {
	if since > current {
		return nil, false
	}
	if since == current {
		return nil, true
	}
	if len(history) == 0 || history[0].Sequence > since+1 {
		return nil, false
	}
	start := int(since + 1 - history[0].Sequence)
	return history[start:], true
}
