package channel

import "github.com/telnet2/patchsync/pkg/types"

// stamp assigns the next sequence number. Callers hold c.mu; that lock is
// what serializes stamps on one channel while other channels proceed.
func (c *Channel) stamp(ops types.Patch) *types.SequencedPatch {
	c.lastSeq++
	return &types.SequencedPatch{
		Channel:  c.id,
		Sequence: c.lastSeq,
		Patch:    ops,
	}
}
