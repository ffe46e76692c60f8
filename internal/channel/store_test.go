package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnet2/patchsync/internal/patch"
	"github.com/telnet2/patchsync/pkg/types"
)

type count struct {
	Value int `json:"value"`
}

func TestStore_RegisterAndSnapshot(t *testing.T) {
	s := NewStore(0)

	_, err := s.Register("count", count{Value: 0})
	require.NoError(t, err)

	snap, err := s.Snapshot("count")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Sequence)
	assert.Equal(t, map[string]any{"value": float64(0)}, snap.Value)

	_, err = s.Register("count", nil)
	assert.ErrorIs(t, err, ErrChannelExists)
}

func TestStore_UnknownChannel(t *testing.T) {
	s := NewStore(0)

	_, err := s.Snapshot("missing")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.ErrorIs(t, s.Unregister("missing"), ErrUnknownChannel)
}

func TestStore_InvalidID(t *testing.T) {
	s := NewStore(0)

	_, err := s.Register("  ", nil)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, _, err = s.GetOrCreate("a\nb")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestChannel_PublishSequencing(t *testing.T) {
	s := NewStore(0)
	c, err := s.Register("count", count{Value: 0})
	require.NoError(t, err)

	var emitted []*types.SequencedPatch
	emit := func(sp *types.SequencedPatch) { emitted = append(emitted, sp) }

	sp, err := c.Publish(count{Value: 0}, emit)
	require.NoError(t, err)
	assert.Nil(t, sp, "publishing the registered value is a no-op")

	for i := 1; i <= 3; i++ {
		sp, err := c.Publish(count{Value: i}, emit)
		require.NoError(t, err)
		require.NotNil(t, sp)
		assert.Equal(t, uint64(i), sp.Sequence)
	}

	_, err = c.Publish(count{Value: 3}, emit)
	require.NoError(t, err)

	require.Len(t, emitted, 3)
	assert.Equal(t, types.Patch{{Op: types.OpReplace, Path: "/value", Value: float64(1)}}, emitted[0].Patch)
	assert.Equal(t, uint64(3), c.Snapshot().Sequence)
}

func TestChannel_MalformedPublishKeepsSnapshot(t *testing.T) {
	s := NewStore(0)
	c, err := s.Register("obj", map[string]any{"a": 1})
	require.NoError(t, err)

	_, err = c.Publish([]int{1}, nil)
	assert.ErrorIs(t, err, patch.ErrMalformedSnapshot)

	snap := c.Snapshot()
	assert.Equal(t, uint64(0), snap.Sequence)
	assert.Equal(t, map[string]any{"a": float64(1)}, snap.Value)
}

func TestChannel_ImplicitCreationStartsFromNull(t *testing.T) {
	s := NewStore(0)
	c, created, err := s.GetOrCreate("auto")
	require.NoError(t, err)
	assert.True(t, created)

	sp, err := c.Publish(count{Value: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sp.Sequence)
	assert.Equal(t, "", sp.Patch[0].Path)

	again, created, err := s.GetOrCreate("auto")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, c, again)
}

func TestChannel_ConcurrentPublishesGetDistinctSequences(t *testing.T) {
	s := NewStore(0)
	c, err := s.Register("n", map[string]any{"n": -1})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []uint64
	emit := func(sp *types.SequencedPatch) {
		mu.Lock()
		order = append(order, sp.Sequence)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Publish(map[string]any{"n": i}, emit)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Values are distinct so every publish emits; emit order is sequence order.
	require.Len(t, order, 100)
	for i, seq := range order {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestChannel_HistoryAndBacklog(t *testing.T) {
	s := NewStore(3)
	c, err := s.Register("h", count{})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := c.Publish(count{Value: i}, nil)
		require.NoError(t, err)
	}

	err = c.Attach(func(snap types.Snapshot, history []*types.SequencedPatch) error {
		require.Len(t, history, 3)
		assert.Equal(t, uint64(3), history[0].Sequence)

		backlog, ok := Backlog(history, 3, snap.Sequence)
		require.True(t, ok)
		require.Len(t, backlog, 2)
		assert.Equal(t, uint64(4), backlog[0].Sequence)

		_, ok = Backlog(history, 2, snap.Sequence)
		assert.True(t, ok, "sequence 3 is still retained")

		_, ok = Backlog(history, 1, snap.Sequence)
		assert.False(t, ok)

		backlog, ok = Backlog(history, 5, snap.Sequence)
		assert.True(t, ok)
		assert.Empty(t, backlog)

		_, ok = Backlog(history, 9, snap.Sequence)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_UnregisterStopsPublishes(t *testing.T) {
	s := NewStore(0)
	c, err := s.Register("gone", nil)
	require.NoError(t, err)
	require.NoError(t, s.Unregister("gone"))

	_, err = c.Publish(1, nil)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.ErrorIs(t, c.Attach(func(types.Snapshot, []*types.SequencedPatch) error { return nil }), ErrUnknownChannel)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ListSorted(t *testing.T) {
	s := NewStore(0)
	for _, id := range []string{"b", "c", "a"} {
		_, err := s.Register(id, nil)
		require.NoError(t, err)
	}
	infos := s.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "c", infos[2].ID)
}
