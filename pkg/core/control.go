package core

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/types"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// SnapshotCreate captures the current root of a branch. An empty branch
// id means the caller's active branch. Writers on the branch are held off
// only for the capture itself.
func (e *Engine) SnapshotCreate(ctx context.Context, c types.Caller, id types.BranchID, name string) (info types.SnapshotInfo, err error) {
	defer e.observe("snapshot_create", time.Now(), &err)
	if err := e.live(); err != nil {
		return types.SnapshotInfo{}, err
	}
	b := e.resolve(c)
	if id != "" {
		if b, err = e.branches.Get(id); err != nil {
			return types.SnapshotInfo{}, err
		}
	}

	info, err = b.Capture(func(root *tree.Node, parent types.SnapshotID) (types.SnapshotInfo, error) {
		return e.snapshots.Create(b.ID(), parent, name, root)
	})
	if err != nil {
		return types.SnapshotInfo{}, err
	}
	e.publish(types.Event{Kind: types.EventSnapshotCreated, Branch: b.ID(), Snapshot: info.ID, PID: c.PID})
	return info, nil
}

// SnapshotList returns every snapshot in creation order.
func (e *Engine) SnapshotList(ctx context.Context) []types.SnapshotInfo {
	return e.snapshots.List()
}

// SnapshotDelete deletes a snapshot that no branch originates from.
func (e *Engine) SnapshotDelete(ctx context.Context, id types.SnapshotID) (err error) {
	defer e.observe("snapshot_delete", time.Now(), &err)
	if err := e.live(); err != nil {
		return err
	}
	if err := e.snapshots.Delete(id); err != nil {
		return err
	}
	e.publish(types.Event{Kind: types.EventSnapshotDeleted, Snapshot: id})
	return nil
}

// BranchCreateFromSnapshot creates a writable branch whose root is the
// snapshot's root. Nothing is copied until the branch is written.
func (e *Engine) BranchCreateFromSnapshot(ctx context.Context, id types.SnapshotID, name string) (info types.BranchInfo, err error) {
	defer e.observe("branch_create", time.Now(), &err)
	if err := e.live(); err != nil {
		return types.BranchInfo{}, err
	}
	b, err := e.branches.CreateFromSnapshot(id, name)
	if err != nil {
		return types.BranchInfo{}, err
	}
	e.publish(types.Event{Kind: types.EventBranchCreated, Branch: b.ID(), Snapshot: id})
	return b.Info(), nil
}

// BranchCreateFromCurrent creates a branch sharing the current root of
// the caller's active branch.
func (e *Engine) BranchCreateFromCurrent(ctx context.Context, c types.Caller, name string) (info types.BranchInfo, err error) {
	defer e.observe("branch_create", time.Now(), &err)
	if err := e.live(); err != nil {
		return types.BranchInfo{}, err
	}
	b, err := e.branches.CreateFromBranch(e.resolve(c), name)
	if err != nil {
		return types.BranchInfo{}, err
	}
	e.publish(types.Event{Kind: types.EventBranchCreated, Branch: b.ID(), PID: c.PID})
	return b.Info(), nil
}

// BranchList returns every branch, the default branch first.
func (e *Engine) BranchList(ctx context.Context) []types.BranchInfo {
	return e.branches.List()
}

// BranchDelete deletes a branch nobody is bound to and no handle is open
// on, reclaiming whatever only it referenced.
func (e *Engine) BranchDelete(ctx context.Context, id types.BranchID) (err error) {
	defer e.observe("branch_delete", time.Now(), &err)
	if err := e.live(); err != nil {
		return err
	}
	if err := e.branches.Delete(id); err != nil {
		return err
	}
	e.publish(types.Event{Kind: types.EventBranchDeleted, Branch: id})
	return nil
}

// BindProcess routes pid's future calls to a branch. Handles it already
// holds stay on the branch they were opened on.
func (e *Engine) BindProcess(ctx context.Context, pid uint32, id types.BranchID) (err error) {
	defer e.observe("bind_process", time.Now(), &err)
	if err := e.live(); err != nil {
		return err
	}
	if err := e.bindings.Bind(pid, id); err != nil {
		return err
	}
	e.publish(types.Event{Kind: types.EventProcessBound, Branch: id, PID: pid})
	return nil
}

// UnbindProcess returns pid to the default branch. Unbinding a process
// that is not bound does nothing.
func (e *Engine) UnbindProcess(ctx context.Context, pid uint32) (err error) {
	defer e.observe("unbind_process", time.Now(), &err)
	if err := e.live(); err != nil {
		return err
	}
	if e.bindings.Unbind(pid) {
		e.publish(types.Event{Kind: types.EventProcessUnbound, PID: pid})
	}
	return nil
}

// ActiveBranch returns the branch pid observes.
func (e *Engine) ActiveBranch(pid uint32) types.BranchID {
	return e.bindings.Active(pid)
}

// BindingList returns the explicit bindings ordered by pid.
func (e *Engine) BindingList() []types.BindingInfo {
	return e.bindings.List()
}

// SnapshotGetAttrs returns the attributes of path inside a snapshot.
func (e *Engine) SnapshotGetAttrs(ctx context.Context, c types.Caller, id types.SnapshotID, path string) (attrs types.Attributes, err error) {
	defer e.observe("snapshot_get_attrs", time.Now(), &err)
	err = e.snapshotView(c, id, path, func(n *tree.Node) error {
		attrs = e.tree.Attributes(n)
		return nil
	})
	return attrs, err
}

// SnapshotReaddir lists a directory inside a snapshot.
func (e *Engine) SnapshotReaddir(ctx context.Context, c types.Caller, id types.SnapshotID, path string) (seq iter.Seq[types.DirEntry], err error) {
	defer e.observe("snapshot_readdir", time.Now(), &err)
	var entries []types.DirEntry
	err = e.snapshotView(c, id, path, func(n *tree.Node) error {
		var lerr error
		entries, lerr = e.tree.List(c, n)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	return slices.Values(entries), nil
}

// SnapshotRead reads the default stream of a file inside a snapshot.
func (e *Engine) SnapshotRead(ctx context.Context, c types.Caller, id types.SnapshotID, path string, offset int64, size int) (data []byte, err error) {
	defer e.observe("snapshot_read", time.Now(), &err)
	err = e.snapshotView(c, id, path, func(n *tree.Node) error {
		if err := e.tree.CheckAccess(c, n, types.AccessRead); err != nil {
			return err
		}
		var rerr error
		data, rerr = e.tree.ReadStream(ctx, n, "", offset, size)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordRead(len(data))
	return data, nil
}

func (e *Engine) snapshotView(c types.Caller, id types.SnapshotID, path string, fn func(n *tree.Node) error) error {
	if err := e.live(); err != nil {
		return err
	}
	comps, err := utils.SplitPath(path)
	if err != nil {
		return err
	}
	root, err := e.snapshots.Acquire(id)
	if err != nil {
		return err
	}
	defer e.tree.Release(root)

	n, err := e.tree.Resolve(c, root, comps)
	if err != nil {
		return err
	}
	return fn(n)
}
