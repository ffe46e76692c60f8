package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/telnet2/patchsync/internal/patch"
	"github.com/telnet2/patchsync/pkg/types"
)

// Store is the process-scoped registry of channels. Its lock only guards the
// map; publishes on different channels never contend on it.
type Store struct {
	mu          sync.RWMutex
	channels    map[string]*Channel
	historySize int
}

// NewStore creates an empty store. historySize is the number of recent
// patches each channel retains for resuming subscribers.
func NewStore(historySize int) *Store {
	return &Store{
		channels:    make(map[string]*Channel),
		historySize: historySize,
	}
}

// ValidateID checks that id can name a channel.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidID, id)
	}
	return nil
}

// Register creates a channel whose snapshot starts at initial, sequence 0.
func (s *Store) Register(id string, initial any) (*Channel, error) {
	return s.restore(id, initial, 0)
}

// Restore recreates a channel at a known sequence, e.g. from persisted state.
func (s *Store) Restore(id string, value any, seq uint64) (*Channel, error) {
	return s.restore(id, value, seq)
}

func (s *Store) restore(id string, value any, seq uint64) (*Channel, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	v, err := patch.Normalize(value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, id)
	}
	c := newChannel(id, v, seq, s.historySize)
	s.channels[id] = c
	return c, nil
}

// GetOrCreate returns the channel, creating it with a null snapshot when it
// does not exist yet. The boolean reports whether it was created.
func (s *Store) GetOrCreate(id string) (*Channel, bool, error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	c, ok := s.channels[id]
	s.mu.RUnlock()
	if ok {
		return c, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[id]; ok {
		return c, false, nil
	}
	c = newChannel(id, nil, 0, s.historySize)
	s.channels[id] = c
	return c, true, nil
}

// Get returns an existing channel.
func (s *Store) Get(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return c, nil
}

// Unregister removes a channel. Later publishes recreate it from null.
func (s *Store) Unregister(id string) error {
	s.mu.Lock()
	c, ok := s.channels[id]
	if ok {
		delete(s.channels, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	c.markRemoved()
	return nil
}

// Snapshot returns the current value of a channel.
func (s *Store) Snapshot(id string) (types.Snapshot, error) {
	c, err := s.Get(id)
	if err != nil {
		return types.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// List returns channel metadata sorted by id.
func (s *Store) List() []types.ChannelInfo {
	s.mu.RLock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		chans = append(chans, c)
	}
	s.mu.RUnlock()

	infos := make([]types.ChannelInfo, 0, len(chans))
	for _, c := range chans {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}
