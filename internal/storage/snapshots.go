package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/telnet2/patchsync/pkg/types"
)

const snapshotDir = "channel"

// Record is the on-disk form of a channel snapshot.
type Record struct {
	Channel   string          `json:"channel"`
	Sequence  uint64          `json:"sequence"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SaveSnapshot writes a channel snapshot. A write carrying a lower sequence
// than the stored one is dropped, so concurrent writers cannot roll a channel
// back.
func (s *Storage) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	value, err := json.Marshal(snap.Value)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Channel, err)
	}
	rec := Record{
		Channel:   snap.Channel,
		Sequence:  snap.Sequence,
		Value:     value,
		UpdatedAt: time.Now(),
	}

	err = s.PutIf(ctx, []string{snapshotDir, snap.Channel}, rec, func(current json.RawMessage) bool {
		var existing Record
		if json.Unmarshal(current, &existing) != nil {
			return false
		}
		return existing.Sequence > snap.Sequence
	})
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

// LoadSnapshot reads one channel snapshot.
func (s *Storage) LoadSnapshot(ctx context.Context, channel string) (types.Snapshot, error) {
	var rec Record
	if err := s.Get(ctx, []string{snapshotDir, channel}, &rec); err != nil {
		return types.Snapshot{}, err
	}
	return rec.snapshot()
}

// DeleteSnapshot removes a channel snapshot.
func (s *Storage) DeleteSnapshot(ctx context.Context, channel string) error {
	return s.Delete(ctx, []string{snapshotDir, channel})
}

// StoredChannels returns the ids of every stored snapshot, sorted.
func (s *Storage) StoredChannels(ctx context.Context) ([]string, error) {
	ids, err := s.List(ctx, []string{snapshotDir})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Snapshots returns every stored snapshot ordered by channel id. Records that
// fail to decode are skipped.
func (s *Storage) Snapshots(ctx context.Context) ([]types.Snapshot, error) {
	var out []types.Snapshot
	err := s.Scan(ctx, []string{snapshotDir}, func(_ string, data json.RawMessage) error {
		var rec Record
		if json.Unmarshal(data, &rec) != nil {
			return nil
		}
		snap, err := rec.snapshot()
		if err != nil {
			return nil
		}
		out = append(out, snap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (r Record) snapshot() (types.Snapshot, error) {
	var value any
	if len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, &value); err != nil {
			return types.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", r.Channel, err)
		}
	}
	return types.Snapshot{Channel: r.Channel, Sequence: r.Sequence, Value: value}, nil
}
