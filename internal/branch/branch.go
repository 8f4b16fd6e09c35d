package branch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Branch is a writable tree. Writers are serialized by mu and publish a
// new root with an atomic store; readers pin whichever root is current
// without taking any lock.
type Branch struct {
	id      types.BranchID
	name    string
	origin  types.SnapshotID
	parent  types.BranchID
	created time.Time
	tree    *tree.Tree

	mu   sync.RWMutex
	root atomic.Pointer[tree.Node]
	// head is the lineage parent of the next snapshot taken from this
	// branch. Guarded by mu.
	head types.SnapshotID

	// Guarded by Manager.mu: increments hold it for reading, Delete holds
	// it for writing.
	bound   atomic.Int32
	handles atomic.Int32
	deleted bool

	writes atomic.Uint64
}

func newBranch(t *tree.Tree, id types.BranchID, name string, origin types.SnapshotID, parent types.BranchID, root *tree.Node) *Branch {
	b := &Branch{
		id:      id,
		name:    name,
		origin:  origin,
		parent:  parent,
		created: time.Now(),
		tree:    t,
		head:    origin,
	}
	b.root.Store(root)
	return b
}

// ID returns the branch id.
func (b *Branch) ID() types.BranchID { return b.id }

// Name returns the optional human name.
func (b *Branch) Name() string { return b.name }

// Origin returns the snapshot the branch was created from, if any.
func (b *Branch) Origin() types.SnapshotID { return b.origin }

// Info describes the branch.
func (b *Branch) Info() types.BranchInfo {
	return types.BranchInfo{
		ID:             b.id,
		Name:           b.name,
		Origin:         b.origin,
		Parent:         b.parent,
		Created:        b.created,
		BoundProcesses: int(b.bound.Load()),
		OpenHandles:    int(b.handles.Load()),
	}
}

// Writes counts committed mutations.
func (b *Branch) Writes() uint64 { return b.writes.Load() }

// Acquire pins the current root. The caller releases it through the tree.
// A root replaced concurrently may already be reclaimed, in which case
// the newer root is loaded and tried again. A root that a writer claimed
// for an in-place edit cannot be pinned until the writer publishes, so
// Acquire then waits for the branch lock.
func (b *Branch) Acquire() (*tree.Node, error) {
	for {
		r := b.root.Load()
		if r == nil {
			return nil, b.gone()
		}
		if b.tree.TryRetain(r) {
			return r, nil
		}
		if b.root.Load() == r {
			return b.acquireLocked()
		}
	}
}

func (b *Branch) acquireLocked() (*tree.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.root.Load()
	if r == nil {
		return nil, b.gone()
	}
	// claims only live inside Update
	if !b.tree.TryRetain(r) {
		return nil, errors.Newf(errors.ErrCodeInternalError, "root of branch %s cannot be pinned", b.id)
	}
	return r, nil
}

// Update runs fn in a transaction against the current root and publishes
// the result. fn runs with the branch write lock held, so anything it does
// after its tree operation succeeds is atomic with the publication.
// Displaced nodes are released after fn returns.
func (b *Branch) Update(ctx context.Context, c types.Caller, fn func(x *tree.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.root.Load()
	if old == nil {
		return b.gone()
	}
	x := b.tree.Begin(ctx, c, old)
	if err := fn(x); err != nil {
		x.Abort()
		return err
	}
	if !x.Changed() {
		x.Finish()
		return nil
	}
	b.root.Store(x.Root())
	x.Finish()
	b.tree.Release(old)
	b.writes.Add(1)
	return nil
}

// View runs fn against the current root with writers excluded.
func (b *Branch) View(fn func(root *tree.Node) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.root.Load()
	if r == nil {
		return b.gone()
	}
	return fn(r)
}

// Capture runs fn with the current root and the lineage parent, writers
// excluded, and advances the lineage to the snapshot fn returns.
func (b *Branch) Capture(fn func(root *tree.Node, parent types.SnapshotID) (types.SnapshotInfo, error)) (types.SnapshotInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.root.Load()
	if r == nil {
		return types.SnapshotInfo{}, b.gone()
	}
	info, err := fn(r, b.head)
	if err != nil {
		return types.SnapshotInfo{}, err
	}
	b.head = info.ID
	return info, nil
}

// release drops the root once every in-flight writer is done.
func (b *Branch) release() {
	b.mu.Lock()
	r := b.root.Swap(nil)
	b.mu.Unlock()
	if r != nil {
		b.tree.Release(r)
	}
}

func (b *Branch) gone() error {
	return errors.Newf(errors.ErrCodeNotFound, "branch %s has been deleted", b.id)
}
