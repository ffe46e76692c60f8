// Package hub is the engine facade: producers publish values, clients
// subscribe sessions, and the hub wires the channel store, the broadcaster,
// persistence, lifecycle events and metrics together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telnet2/patchsync/internal/broadcast"
	"github.com/telnet2/patchsync/internal/channel"
	"github.com/telnet2/patchsync/internal/event"
	"github.com/telnet2/patchsync/internal/logging"
	"github.com/telnet2/patchsync/internal/metrics"
	"github.com/telnet2/patchsync/internal/patch"
	"github.com/telnet2/patchsync/internal/storage"
	"github.com/telnet2/patchsync/pkg/types"
)

// ErrClosed is returned by operations on a closed hub.
var ErrClosed = errors.New("hub closed")

// Hub owns every channel and session of one process.
type Hub struct {
	store    *channel.Store
	bcast    *broadcast.Broadcaster
	bus      *event.Bus
	ownsBus  bool
	metrics  *metrics.Metrics
	storage  *storage.Storage
	capacity int
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a hub.
func New(opts Options) *Hub {
	opts = opts.withDefaults()

	h := &Hub{
		store:    channel.NewStore(opts.HistorySize),
		bcast:    broadcast.New(),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		storage:  opts.Storage,
		capacity: opts.QueueCapacity,
		log:      logging.Component("hub"),
	}
	if h.bus == nil {
		h.bus = event.NewBus()
		h.ownsBus = true
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h
}

// Bus returns the lifecycle event bus.
func (h *Hub) Bus() *event.Bus { return h.bus }

// Metrics returns the hub's collectors.
func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Register creates a channel whose initial value is initial at sequence 0.
func (h *Hub) Register(ctx context.Context, id string, initial any) (types.ChannelInfo, error) {
	if h.isClosed() {
		return types.ChannelInfo{}, ErrClosed
	}
	c, err := h.store.Register(id, initial)
	if err != nil {
		return types.ChannelInfo{}, err
	}
	info := c.Info()
	h.channelCreated(info, false)
	h.persist(ctx, c)
	return info, nil
}

// Restore loads persisted snapshots into the store so sequences continue
// across restarts. Channels that already exist are left alone.
func (h *Hub) Restore(ctx context.Context) (int, error) {
	if h.storage == nil {
		return 0, nil
	}
	snaps, err := h.storage.Snapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore snapshots: %w", err)
	}

	restored := 0
	for _, snap := range snaps {
		c, err := h.store.Restore(snap.Channel, snap.Value, snap.Sequence)
		if err != nil {
			if errors.Is(err, channel.ErrChannelExists) {
				continue
			}
			h.log.Warn().Err(err).Str("channel", snap.Channel).Msg("skipping persisted snapshot")
			continue
		}
		restored++
		h.channelCreated(c.Info(), false)
	}
	h.log.Info().Int("channels", restored).Msg("restored snapshots")
	return restored, nil
}

// Unregister removes a channel and closes all of its sessions.
func (h *Hub) Unregister(ctx context.Context, id string) error {
	if err := h.store.Unregister(id); err != nil {
		return err
	}
	h.bcast.CloseChannel(id)

	if h.storage != nil {
		if err := h.storage.DeleteSnapshot(ctx, id); err != nil {
			h.log.Warn().Err(err).Str("channel", id).Msg("failed to delete snapshot")
		}
	}
	h.metrics.Channels.Set(float64(h.store.Len()))
	h.bus.Publish(event.Event{Type: event.ChannelRemoved, Data: event.ChannelRemovedData{Channel: id}})
	h.log.Info().Str("channel", id).Msg("channel unregistered")
	return nil
}

// Publish replaces the value of a channel, creating the channel from null on
// first use. It returns the emitted patch, or nil when value equals the
// current snapshot. Publishing never waits for sessions.
func (h *Hub) Publish(ctx context.Context, id string, value any) (*types.SequencedPatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.isClosed() {
		return nil, ErrClosed
	}

	for {
		c, created, err := h.store.GetOrCreate(id)
		if err != nil {
			h.metrics.Publishes.WithLabelValues("invalid").Inc()
			return nil, err
		}
		if created {
			h.channelCreated(c.Info(), true)
		}

		delivered := 0
		start := time.Now()
		sp, err := c.Publish(value, func(sp *types.SequencedPatch) {
			delivered = h.bcast.Emit(sp)
		})
		if errors.Is(err, channel.ErrUnknownChannel) {
			// Unregistered between lookup and publish; the next lookup
			// creates a fresh channel.
			continue
		}
		if err != nil {
			if errors.Is(err, patch.ErrMalformedSnapshot) {
				h.metrics.Publishes.WithLabelValues("malformed").Inc()
			}
			return nil, err
		}
		if sp == nil {
			h.metrics.Publishes.WithLabelValues("noop").Inc()
			return nil, nil
		}

		h.metrics.Publishes.WithLabelValues("patch").Inc()
		h.metrics.DiffDuration.Observe(time.Since(start).Seconds())
		h.metrics.PatchOps.Observe(float64(len(sp.Patch)))
		h.metrics.Delivered.Add(float64(delivered))

		h.log.Debug().
			Str("channel", id).
			Uint64("sequence", sp.Sequence).
			Int("ops", len(sp.Patch)).
			Int("delivered", delivered).
			Msg("published")

		h.bus.Publish(event.Event{
			Type: event.ChannelUpdated,
			Data: event.ChannelUpdatedData{
				Channel:    id,
				Sequence:   sp.Sequence,
				Operations: len(sp.Patch),
				Delivered:  delivered,
			},
		})
		h.persist(ctx, c)
		return sp, nil
	}
}

// Snapshot returns the current value and sequence of a channel. The value
// is a copy the caller may modify.
func (h *Hub) Snapshot(id string) (types.Snapshot, error) {
	snap, err := h.store.Snapshot(id)
	if err != nil {
		return types.Snapshot{}, err
	}
	snap.Value = patch.Clone(snap.Value)
	return snap, nil
}

// Channel returns metadata of one channel.
func (h *Hub) Channel(id string) (types.ChannelInfo, error) {
	c, err := h.store.Get(id)
	if err != nil {
		return types.ChannelInfo{}, err
	}
	info := c.Info()
	info.Sessions = h.bcast.Count(id)
	return info, nil
}

// Channels returns metadata of every channel sorted by id.
func (h *Hub) Channels() []types.ChannelInfo {
	infos := h.store.List()
	for i := range infos {
		infos[i].Sessions = h.bcast.Count(infos[i].ID)
	}
	return infos
}

func (h *Hub) channelCreated(info types.ChannelInfo, implicit bool) {
	h.metrics.Channels.Set(float64(h.store.Len()))
	h.bus.Publish(event.Event{
		Type: event.ChannelCreated,
		Data: event.ChannelCreatedData{Info: info, Implicit: implicit},
	})
	h.log.Info().Str("channel", info.ID).Bool("implicit", implicit).Msg("channel created")
}

func (h *Hub) persist(ctx context.Context, c *channel.Channel) {
	if h.storage == nil {
		return
	}
	// Saving under the channel lock orders the write before Unregister's
	// delete, and a removed channel is never written back.
	err := c.Attach(func(snap types.Snapshot, _ []*types.SequencedPatch) error {
		return h.storage.SaveSnapshot(ctx, snap)
	})
	if errors.Is(err, channel.ErrUnknownChannel) {
		return
	}
	if err != nil {
		h.metrics.PersistErrors.Inc()
		h.log.Warn().Err(err).Str("channel", c.ID()).Msg("failed to persist snapshot")
	}
}

// Close closes every session and rejects further publishes and subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.bcast.Close()
	if h.ownsBus {
		return h.bus.Close()
	}
	return nil
}
