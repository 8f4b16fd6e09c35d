package handles

import (
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

type heldLock struct {
	owner types.HandleID
	rng   types.LockRange
}

// lockTable holds the byte-range locks of one file. Locks belong to the
// handle that took them: a handle's new lock replaces whatever it already
// held in that range, and only other handles can conflict.
type lockTable []heldLock

func (t lockTable) conflict(owner types.HandleID, rng types.LockRange) (heldLock, bool) {
	for _, l := range t {
		if l.owner != owner && rng.ConflictsWith(l.rng) {
			return l, true
		}
	}
	return heldLock{}, false
}

func (t lockTable) lock(owner types.HandleID, rng types.LockRange) (lockTable, error) {
	if l, ok := t.conflict(owner, rng); ok {
		return t, errors.Newf(errors.ErrCodeLocked, "range %d+%d is locked %s by handle %d",
			l.rng.Offset, l.rng.Length, l.rng.Kind, l.owner)
	}
	out := t.unlock(owner, rng)
	return append(out, heldLock{owner: owner, rng: rng}), nil
}

// unlock removes the owner's coverage of rng, splitting locks that extend
// past either end.
func (t lockTable) unlock(owner types.HandleID, rng types.LockRange) lockTable {
	out := make(lockTable, 0, len(t)+1)
	for _, l := range t {
		if l.owner != owner || !l.rng.Overlaps(rng) {
			out = append(out, l)
			continue
		}
		for _, piece := range subtract(l.rng, rng) {
			out = append(out, heldLock{owner: owner, rng: piece})
		}
	}
	return out
}

func (t lockTable) drop(owner types.HandleID) lockTable {
	out := t[:0]
	for _, l := range t {
		if l.owner != owner {
			out = append(out, l)
		}
	}
	return out
}

// subtract returns the parts of r outside cut.
func subtract(r, cut types.LockRange) []types.LockRange {
	var out []types.LockRange
	if r.Offset < cut.Offset {
		out = append(out, types.LockRange{Offset: r.Offset, Length: cut.Offset - r.Offset, Kind: r.Kind})
	}
	if end := cut.End(); end < r.End() {
		tail := types.LockRange{Offset: end, Kind: r.Kind}
		if r.Length != 0 && r.End() != ^uint64(0) {
			tail.Length = r.End() - end
		}
		out = append(out, tail)
	}
	return out
}
