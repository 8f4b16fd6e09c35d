package core

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/agentharbor/agentfs/internal/branch"
	"github.com/agentharbor/agentfs/internal/handles"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// Create creates a regular file, or opens it when it exists and
// Exclusive is not set, and returns a handle with its attributes.
func (e *Engine) Create(ctx context.Context, c types.Caller, path string, opts types.OpenOptions) (id types.HandleID, attrs types.Attributes, err error) {
	defer e.observe("create", time.Now(), &err)
	opts.Create = true
	h, attrs, err := e.open(ctx, c, path, opts)
	if err != nil {
		return 0, types.Attributes{}, err
	}
	return h.ID(), attrs, nil
}

// Open opens an existing entry, or creates a file when opts.Create is set.
func (e *Engine) Open(ctx context.Context, c types.Caller, path string, opts types.OpenOptions) (id types.HandleID, err error) {
	defer e.observe("open", time.Now(), &err)
	h, _, err := e.open(ctx, c, path, opts)
	if err != nil {
		return 0, err
	}
	return h.ID(), nil
}

func (e *Engine) open(ctx context.Context, c types.Caller, path string, opts types.OpenOptions) (*handles.Handle, types.Attributes, error) {
	if err := e.live(); err != nil {
		return nil, types.Attributes{}, err
	}
	comps, err := utils.SplitPath(path)
	if err != nil {
		return nil, types.Attributes{}, err
	}
	if err := e.checkStream(opts.Stream); err != nil {
		return nil, types.Attributes{}, err
	}
	b := e.resolve(c)
	keys := e.tree.Keys(comps)

	var (
		h     *handles.Handle
		attrs types.Attributes
	)
	if !opts.Create && !opts.Truncate {
		err = b.View(func(root *tree.Node) error {
			n, err := e.tree.Resolve(c, root, comps)
			if err != nil {
				return err
			}
			if err := e.checkOpen(c, n, opts); err != nil {
				return err
			}
			if opts.Stream != "" && !opts.Write && !opts.Append {
				if _, ok := n.Stream(opts.Stream); !ok {
					return errors.Newf(errors.ErrCodeNotFound, "stream %q not found", opts.Stream)
				}
			}
			if h, err = e.handles.Open(b, c.PID, keys, n, opts); err != nil {
				return err
			}
			attrs = e.streamAttributes(n, opts.Stream)
			return nil
		})
		return h, attrs, err
	}

	err = b.Update(ctx, c, func(x *tree.Txn) error {
		r, err := e.handles.Reserve(b)
		if err != nil {
			return err
		}
		defer r.Cancel()

		n, err := x.Lookup(comps)
		switch {
		case err == nil:
			if opts.Create && opts.Exclusive {
				return errors.Newf(errors.ErrCodeAlreadyExists, "%s already exists", path)
			}
			if err := e.checkOpen(c, n, opts); err != nil {
				return err
			}
			if h, err = r.Open(c.PID, keys, n, opts); err != nil {
				return err
			}
			if opts.Truncate {
				if n, err = x.EditStream(keys, n.Ino(), opts.Stream, tree.Edit{Truncate: true}); err != nil {
					e.handles.Abandon(h)
					return err
				}
			}
		case errors.IsCode(err, errors.ErrCodeNotFound) && opts.Create:
			if n, err = x.Create(comps, tree.NewEntry{Kind: types.KindFile, Mode: opts.Mode}); err != nil {
				return err
			}
			if h, err = r.Open(c.PID, keys, n, opts); err != nil {
				// nobody else can have the new file open
				return errors.Wrap(errors.ErrCodeInternalError, err, "failed to open a new file")
			}
			e.publishOnCommit(x, types.Event{Kind: types.EventNodeCreated, Branch: b.ID(), PID: c.PID, Path: utils.JoinPath(comps), NodeKind: types.KindFile})
		default:
			return err
		}
		attrs = e.streamAttributes(n, opts.Stream)
		return nil
	})
	if err != nil {
		return nil, types.Attributes{}, err
	}
	return h, attrs, nil
}

// checkOpen checks the type and permissions of an existing node against
// the requested access.
func (e *Engine) checkOpen(c types.Caller, n *tree.Node, opts types.OpenOptions) error {
	writing := opts.Write || opts.Append || opts.Truncate
	switch n.Kind() {
	case types.KindDirectory:
		if writing || opts.Stream != "" {
			return errors.NewError(errors.ErrCodeIsADirectory, "is a directory")
		}
	case types.KindSymlink:
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot open a symlink")
	}

	var want uint8
	if opts.Read {
		want |= types.AccessRead
	}
	if writing {
		want |= types.AccessWrite
	}
	if want == 0 {
		return nil
	}
	return e.tree.CheckAccess(c, n, want)
}

func (e *Engine) checkStream(name string) error {
	if name == "" {
		return nil
	}
	if !e.config.Filesystem.EnableADS {
		return errors.NewError(errors.ErrCodeUnsupported, "alternate data streams are disabled")
	}
	return utils.ValidateName(name)
}

func (e *Engine) streamAttributes(n *tree.Node, stream string) types.Attributes {
	a := e.tree.Attributes(n)
	if stream != "" {
		a.Size = e.tree.StreamSize(n, stream)
	}
	return a
}

func (e *Engine) handle(id types.HandleID) (*handles.Handle, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.handles.Get(id)
}

// Read reads up to size bytes at offset through a handle. Reads past the
// end return fewer bytes.
func (e *Engine) Read(ctx context.Context, c types.Caller, id types.HandleID, offset int64, size int) (data []byte, err error) {
	defer e.observe("read", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return nil, err
	}
	if data, err = e.handles.Read(ctx, h, offset, size); err != nil {
		return nil, err
	}
	e.metrics.RecordRead(len(data))
	return data, nil
}

// Write writes data at offset through a handle, or at the end of the
// stream for append handles.
func (e *Engine) Write(ctx context.Context, c types.Caller, id types.HandleID, offset int64, data []byte) (n int, err error) {
	defer e.observe("write", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return 0, err
	}
	if _, err := e.handles.Write(ctx, c, h, offset, data); err != nil {
		return 0, err
	}
	e.metrics.RecordWrite(len(data))
	return len(data), nil
}

// Truncate sets the size of a handle's stream (ftruncate).
func (e *Engine) Truncate(ctx context.Context, c types.Caller, id types.HandleID, size int64) (err error) {
	defer e.observe("truncate", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return err
	}
	return e.handles.Truncate(ctx, c, h, size)
}

// Close closes a handle. Closing the last handle of an unlinked file
// reclaims it.
func (e *Engine) Close(ctx context.Context, c types.Caller, id types.HandleID) (err error) {
	defer e.observe("close", time.Now(), &err)
	h, err := e.handles.Get(id)
	if err != nil {
		return err
	}
	removed, err := e.handles.Close(ctx, c, h)
	if removed != "" {
		e.publish(types.Event{Kind: types.EventNodeRemoved, Branch: h.Branch().ID(), PID: c.PID, Path: removed, NodeKind: types.KindFile})
	}
	return err
}

// HandleGetAttrs returns the attributes of the node behind a handle, on
// the branch the handle was opened on.
func (e *Engine) HandleGetAttrs(ctx context.Context, c types.Caller, id types.HandleID) (attrs types.Attributes, err error) {
	defer e.observe("handle_get_attrs", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return types.Attributes{}, err
	}
	return e.handles.Attributes(h)
}

// Lock takes a byte-range lock without blocking; conflicts fail with
// LOCKED.
func (e *Engine) Lock(ctx context.Context, c types.Caller, id types.HandleID, rng types.LockRange) (err error) {
	defer e.observe("lock", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return err
	}
	return e.handles.Lock(h, rng)
}

// Unlock releases the handle's locks within rng.
func (e *Engine) Unlock(ctx context.Context, c types.Caller, id types.HandleID, rng types.LockRange) (err error) {
	defer e.observe("unlock", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return err
	}
	return e.handles.Unlock(h, rng)
}

// TestLock reports a lock held through another handle that conflicts
// with rng.
func (e *Engine) TestLock(ctx context.Context, c types.Caller, id types.HandleID, rng types.LockRange) (held types.LockRange, conflict bool, err error) {
	defer e.observe("test_lock", time.Now(), &err)
	h, err := e.handle(id)
	if err != nil {
		return types.LockRange{}, false, err
	}
	return e.handles.TestLock(h, rng)
}

// Unlink removes a file or symlink. Open handles keep the file alive
// until they close.
func (e *Engine) Unlink(ctx context.Context, c types.Caller, path string) (err error) {
	defer e.observe("unlink", time.Now(), &err)
	return e.remove(ctx, c, path, false)
}

// Rmdir removes an empty directory.
func (e *Engine) Rmdir(ctx context.Context, c types.Caller, path string) (err error) {
	defer e.observe("rmdir", time.Now(), &err)
	return e.remove(ctx, c, path, true)
}

func (e *Engine) remove(ctx context.Context, c types.Caller, path string, dir bool) error {
	comps, b, err := e.target(c, path)
	if err != nil {
		return err
	}
	if len(comps) == 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot remove the root")
	}

	return b.Update(ctx, c, func(x *tree.Txn) error {
		n, err := x.Lookup(comps)
		if err != nil {
			return err
		}
		if err := e.handles.AdmitRemove(b.ID(), n.Ino()); err != nil {
			return err
		}
		removed, err := x.Remove(comps, dir)
		if err != nil {
			return err
		}
		e.handles.Detach(b.ID(), removed)
		e.publishOnCommit(x, types.Event{Kind: types.EventNodeRemoved, Branch: b.ID(), PID: c.PID, Path: utils.JoinPath(comps), NodeKind: removed.Kind()})
		return nil
	})
}

// Mkdir creates a directory.
func (e *Engine) Mkdir(ctx context.Context, c types.Caller, path string, mode uint32) (attrs types.Attributes, err error) {
	defer e.observe("mkdir", time.Now(), &err)
	return e.create(ctx, c, path, tree.NewEntry{Kind: types.KindDirectory, Mode: mode})
}

// Symlink creates a symbolic link at linkPath pointing at target. The
// target is stored as given and never resolved by the engine.
func (e *Engine) Symlink(ctx context.Context, c types.Caller, target, linkPath string) (attrs types.Attributes, err error) {
	defer e.observe("symlink", time.Now(), &err)
	return e.create(ctx, c, linkPath, tree.NewEntry{Kind: types.KindSymlink, Target: target})
}

func (e *Engine) create(ctx context.Context, c types.Caller, path string, entry tree.NewEntry) (types.Attributes, error) {
	comps, b, err := e.target(c, path)
	if err != nil {
		return types.Attributes{}, err
	}
	var attrs types.Attributes
	err = b.Update(ctx, c, func(x *tree.Txn) error {
		n, err := x.Create(comps, entry)
		if err != nil {
			return err
		}
		attrs = e.tree.Attributes(n)
		e.publishOnCommit(x, types.Event{Kind: types.EventNodeCreated, Branch: b.ID(), PID: c.PID, Path: utils.JoinPath(comps), NodeKind: entry.Kind})
		return nil
	})
	if err != nil {
		return types.Attributes{}, err
	}
	return attrs, nil
}

// Readdir lists a directory with the attributes of every entry, sorted by
// name. The listing reflects the branch at the time of the call.
func (e *Engine) Readdir(ctx context.Context, c types.Caller, path string) (seq iter.Seq[types.DirEntry], err error) {
	defer e.observe("readdir", time.Now(), &err)
	var entries []types.DirEntry
	err = e.view(c, path, func(n *tree.Node) error {
		entries, err = e.tree.List(c, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slices.Values(entries), nil
}

// Rename moves src to dst atomically. Handles open under src follow the
// entry to its new path.
func (e *Engine) Rename(ctx context.Context, c types.Caller, src, dst string, opts types.RenameOptions) (err error) {
	defer e.observe("rename", time.Now(), &err)
	scomps, b, err := e.target(c, src)
	if err != nil {
		return err
	}
	dcomps, err := utils.SplitPath(dst)
	if err != nil {
		return err
	}

	return b.Update(ctx, c, func(x *tree.Txn) error {
		n, err := x.Lookup(scomps)
		if err != nil {
			return err
		}
		if err := e.handles.AdmitRemove(b.ID(), n.Ino()); err != nil {
			return err
		}
		if opts.Overwrite {
			if d, err := x.Lookup(dcomps); err == nil && d.Ino() != n.Ino() {
				if err := e.handles.AdmitRemove(b.ID(), d.Ino()); err != nil {
					return err
				}
			}
		}

		res, err := x.Rename(scomps, dcomps, opts.Overwrite)
		if err != nil {
			return err
		}
		e.handles.Renamed(b.ID(), e.tree.Keys(scomps), e.tree.Keys(dcomps))
		if res.Replaced != nil {
			e.handles.Detach(b.ID(), res.Replaced)
		}
		e.publishOnCommit(x, types.Event{
			Kind:     types.EventNodeRenamed,
			Branch:   b.ID(),
			PID:      c.PID,
			Path:     utils.JoinPath(scomps),
			NewPath:  utils.JoinPath(dcomps),
			NodeKind: res.Node.Kind(),
		})
		return nil
	})
}

// Readlink returns the target of a symlink.
func (e *Engine) Readlink(ctx context.Context, c types.Caller, path string) (target string, err error) {
	defer e.observe("readlink", time.Now(), &err)
	err = e.view(c, path, func(n *tree.Node) error {
		target, err = e.tree.Readlink(n)
		return err
	})
	return target, err
}

// GetAttrs returns the attributes of the entry at path.
func (e *Engine) GetAttrs(ctx context.Context, c types.Caller, path string) (attrs types.Attributes, err error) {
	defer e.observe("get_attrs", time.Now(), &err)
	err = e.view(c, path, func(n *tree.Node) error {
		attrs = e.tree.Attributes(n)
		return nil
	})
	return attrs, err
}

// SetAttrs changes mode, owner, size, times or ACL of the entry at path
// and returns the resulting attributes.
func (e *Engine) SetAttrs(ctx context.Context, c types.Caller, path string, set types.SetAttributes) (attrs types.Attributes, err error) {
	defer e.observe("set_attrs", time.Now(), &err)
	comps, b, err := e.target(c, path)
	if err != nil {
		return types.Attributes{}, err
	}
	err = b.Update(ctx, c, func(x *tree.Txn) error {
		n, err := x.SetAttrs(comps, set)
		if err != nil {
			return err
		}
		attrs = e.tree.Attributes(n)
		return nil
	})
	return attrs, err
}

// XattrGet returns one extended attribute.
func (e *Engine) XattrGet(ctx context.Context, c types.Caller, path, name string) (value []byte, err error) {
	defer e.observe("xattr_get", time.Now(), &err)
	err = e.view(c, path, func(n *tree.Node) error {
		value, err = e.tree.Xattr(c, n, name)
		return err
	})
	return value, err
}

// XattrSet sets an extended attribute.
func (e *Engine) XattrSet(ctx context.Context, c types.Caller, path, name string, value []byte) (err error) {
	defer e.observe("xattr_set", time.Now(), &err)
	comps, b, err := e.target(c, path)
	if err != nil {
		return err
	}
	return b.Update(ctx, c, func(x *tree.Txn) error {
		_, err := x.SetXattr(comps, name, value)
		return err
	})
}

// XattrList lists extended attribute names.
func (e *Engine) XattrList(ctx context.Context, c types.Caller, path string) (names []string, err error) {
	defer e.observe("xattr_list", time.Now(), &err)
	err = e.view(c, path, func(n *tree.Node) error {
		names, err = e.tree.XattrNames(c, n)
		return err
	})
	return names, err
}

// XattrRemove deletes an extended attribute.
func (e *Engine) XattrRemove(ctx context.Context, c types.Caller, path, name string) (err error) {
	defer e.observe("xattr_remove", time.Now(), &err)
	comps, b, err := e.target(c, path)
	if err != nil {
		return err
	}
	return b.Update(ctx, c, func(x *tree.Txn) error {
		_, err := x.RemoveXattr(comps, name)
		return err
	})
}

// StreamList lists the data streams of a file, the default stream ""
// first.
func (e *Engine) StreamList(ctx context.Context, c types.Caller, path string) (streams []types.StreamInfo, err error) {
	defer e.observe("stream_list", time.Now(), &err)
	err = e.view(c, path, func(n *tree.Node) error {
		streams, err = e.tree.Streams(n)
		return err
	})
	return streams, err
}

func (e *Engine) target(c types.Caller, path string) ([]string, *branch.Branch, error) {
	if err := e.live(); err != nil {
		return nil, nil, err
	}
	comps, err := utils.SplitPath(path)
	if err != nil {
		return nil, nil, err
	}
	return comps, e.resolve(c), nil
}

// view resolves path on a pinned root of the caller's branch and runs fn
// on the node. Writers are not blocked: the pinned root never changes.
func (e *Engine) view(c types.Caller, path string, fn func(n *tree.Node) error) error {
	comps, b, err := e.target(c, path)
	if err != nil {
		return err
	}
	root, err := b.Acquire()
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
