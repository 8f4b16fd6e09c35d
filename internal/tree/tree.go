package tree

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Options configures a Tree.
type Options struct {
	// CaseInsensitive makes lookups fold case while entries keep the name
	// they were created with.
	CaseInsensitive bool
	// Enforce turns on permission checks. When false every check passes.
	Enforce bool
	// RootBypass lets uid 0 skip read/write/execute checks.
	RootBypass bool
	// EnableXattrs and EnableADS gate extended attributes and named streams.
	EnableXattrs bool
	EnableADS    bool
	Logger       *zap.Logger
}

// Tree owns the node graph shared by every branch and snapshot of one
// engine. Roots are plain *Node values; holders take a reference with
// Retain and give it back with Release.
type Tree struct {
	store  *storage.Store
	opts   Options
	logger *zap.Logger

	nextIno atomic.Uint64
	live    atomic.Int64
	copies  atomic.Uint64
}

// Stats counts nodes.
type Stats struct {
	LiveNodes  int64
	NodeCopies uint64
}

// New creates a Tree storing file contents in store.
func New(store *storage.Store, opts Options) *Tree {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tree{store: store, opts: opts, logger: logger.Named("tree")}
	t.nextIno.Store(1)
	return t
}

// Store returns the content store backing the tree.
func (t *Tree) Store() *storage.Store { return t.store }

// Options returns the tree configuration.
func (t *Tree) Options() Options { return t.opts }

// Stats returns node counters.
func (t *Tree) Stats() Stats {
	return Stats{LiveNodes: t.live.Load(), NodeCopies: t.copies.Load()}
}

// NewRoot creates an empty root directory holding one reference.
func (t *Tree) NewRoot(uid, gid, mode uint32) *Node {
	now := time.Now()
	n := &Node{
		ino:      1,
		kind:     types.KindDirectory,
		uid:      uid,
		gid:      gid,
		mode:     mode & types.ModeMask,
		times:    types.FileTimes{Created: now, Modified: now, Accessed: now, Changed: now},
		children: make(map[string]dirent),
	}
	n.refs.Store(1)
	t.live.Add(1)
	return n
}

func (t *Tree) newNode(kind types.NodeKind, uid, gid, mode uint32, now time.Time) *Node {
	n := &Node{
		ino:   t.nextIno.Add(1),
		kind:  kind,
		uid:   uid,
		gid:   gid,
		mode:  mode & types.ModeMask,
		times: types.FileTimes{Created: now, Modified: now, Accessed: now, Changed: now},
	}
	if kind == types.KindDirectory {
		n.children = make(map[string]dirent)
	}
	n.refs.Store(1)
	t.live.Add(1)
	return n
}

// Retain adds a reference to n.
func (t *Tree) Retain(n *Node) {
	n.refs.Add(1)
}

// TryRetain adds a reference unless n has already been reclaimed.
func (t *Tree) TryRetain(n *Node) bool {
	return n.tryRetain()
}

// Release drops a reference to n and reclaims it at zero.
func (t *Tree) Release(n *Node) {
	if n == nil {
		return
	}
	r := n.refs.Add(-1)
	count := r &^ movedBit
	if count > 0 {
		return
	}
	if count < 0 {
		t.logger.Error("node released more times than retained", zap.Uint64("ino", n.ino))
		return
	}

	t.live.Add(-1)
	if r&movedBit != 0 {
		return
	}
	for _, d := range n.children {
		t.Release(d.node)
	}
	for name, ref := range n.streams {
		if err := t.store.Release(ref); err != nil {
			t.logger.Error("failed to release stream content",
				zap.Uint64("ino", n.ino), zap.String("stream", name), zap.Error(err))
		}
	}
}

// clone returns a new version of n holding one reference. With transfer,
// which requires a successful claim, the references n owns move to the
// copy; otherwise the copy takes its own references.
func (t *Tree) clone(n *Node, transfer bool) *Node {
	c := n.shallowCopy()
	t.live.Add(1)
	t.copies.Add(1)

	if transfer {
		return c
	}
	for _, d := range c.children {
		d.node.refs.Add(1)
	}
	for _, ref := range c.streams {
		if err := t.store.Retain(ref); err != nil {
			t.logger.Error("failed to retain stream content", zap.Uint64("ino", n.ino), zap.Error(err))
		}
	}
	return c
}

func (t *Tree) key(name string) string {
	if !t.opts.CaseInsensitive {
		return name
	}
	return cases.Fold().String(name)
}

// Keys returns the lookup keys of path components. Keys are stable across
// case-only renames when the tree is case-insensitive.
func (t *Tree) Keys(comps []string) []string {
	keys := make([]string, len(comps))
	for i, c := range comps {
		keys[i] = t.key(c)
	}
	return keys
}

// Resolve walks comps from root, checking search permission on every
// directory it passes through.
func (t *Tree) Resolve(c types.Caller, root *Node, comps []string) (*Node, error) {
	cur := root
	for _, name := range comps {
		if !cur.IsDir() {
			return nil, errors.Newf(errors.ErrCodeNotADirectory, "%q: not a directory", name)
		}
		if err := t.CheckAccess(c, cur, types.AccessExecute); err != nil {
			return nil, err
		}
		d, ok := cur.child(t.key(name))
		if !ok {
			return nil, errors.Newf(errors.ErrCodeNotFound, "%q not found", name)
		}
		cur = d.node
	}
	return cur, nil
}

// LookupKeys walks lookup keys from root without permission checks. Open
// handles use it to reach the node they were authorized for.
func (t *Tree) LookupKeys(root *Node, keys []string) (*Node, error) {
	cur := root
	for _, k := range keys {
		if !cur.IsDir() {
			return nil, errors.NewError(errors.ErrCodeNotADirectory, "not a directory")
		}
		d, ok := cur.child(k)
		if !ok {
			return nil, errors.NewError(errors.ErrCodeNotFound, "entry not found")
		}
		cur = d.node
	}
	return cur, nil
}

// Attributes returns the exchange attributes of n.
func (t *Tree) Attributes(n *Node) types.Attributes {
	a := types.Attributes{
		Ino:   n.ino,
		Kind:  n.kind,
		UID:   n.uid,
		GID:   n.gid,
		Mode:  n.mode,
		ACL:   n.aclEntries(),
		Times: n.times,
		Nlink: 1,
	}
	switch n.kind {
	case types.KindFile:
		if ref, ok := n.streams[""]; ok {
			a.Size, _ = t.store.Size(ref)
		}
		for _, ref := range n.streams {
			alloc, _ := t.store.Allocated(ref)
			a.Allocated += alloc
		}
	case types.KindDirectory:
		a.Size = int64(len(n.children))
		a.Nlink = uint32(2 + n.subdirs)
	case types.KindSymlink:
		a.Size = int64(len(n.target))
	}
	return a
}

// List returns the entries of dir with their attributes, sorted by name.
// Listing needs read and search permission on dir.
func (t *Tree) List(c types.Caller, dir *Node) ([]types.DirEntry, error) {
	if !dir.IsDir() {
		return nil, errors.NewError(errors.ErrCodeNotADirectory, "not a directory")
	}
	if err := t.CheckAccess(c, dir, types.AccessRead|types.AccessExecute); err != nil {
		return nil, err
	}

	entries := make([]types.DirEntry, 0, len(dir.children))
	for _, d := range dir.sortedChildren() {
		entries = append(entries, types.DirEntry{Name: d.name, Attributes: t.Attributes(d.node)})
	}
	return entries, nil
}

// ReadStream reads a stream of a file node. A missing named stream is
// NotFound; a missing default stream reads as empty.
func (t *Tree) ReadStream(ctx context.Context, n *Node, stream string, offset int64, size int) ([]byte, error) {
	if n.IsDir() {
		return nil, errors.NewError(errors.ErrCodeIsADirectory, "is a directory")
	}
	if n.kind != types.KindFile {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "not a regular file")
	}
	ref, ok := n.streams[stream]
	if !ok {
		if stream == "" {
			return []byte{}, nil
		}
		return nil, errors.Newf(errors.ErrCodeNotFound, "stream %q not found", stream)
	}
	return t.store.Read(ctx, ref, offset, size)
}

// StreamSize returns the size of a stream. A missing stream is empty.
func (t *Tree) StreamSize(n *Node, stream string) int64 {
	ref, ok := n.streams[stream]
	if !ok {
		return 0
	}
	size, _ := t.store.Size(ref)
	return size
}

// Streams lists the data streams of a file, default stream first.
func (t *Tree) Streams(n *Node) ([]types.StreamInfo, error) {
	if n.kind != types.KindFile {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "not a regular file")
	}
	out := make([]types.StreamInfo, 0, len(n.streams))
	for name, ref := range n.streams {
		size, _ := t.store.Size(ref)
		out = append(out, types.StreamInfo{Name: name, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Readlink returns the target of a symlink.
func (t *Tree) Readlink(n *Node) (string, error) {
	if n.kind != types.KindSymlink {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "not a symlink")
	}
	return n.target, nil
}

// Xattr returns one extended attribute. Reading needs read permission.
func (t *Tree) Xattr(c types.Caller, n *Node, name string) ([]byte, error) {
	if !t.opts.EnableXattrs {
		return nil, errXattrsDisabled()
	}
	if err := t.CheckAccess(c, n, types.AccessRead); err != nil {
		return nil, err
	}
	v, ok := n.xattrs[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "xattr %q not found", name)
	}
	return append([]byte(nil), v...), nil
}

// XattrNames lists extended attribute names in sorted order.
func (t *Tree) XattrNames(c types.Caller, n *Node) ([]string, error) {
	if !t.opts.EnableXattrs {
		return nil, errXattrsDisabled()
	}
	if err := t.CheckAccess(c, n, types.AccessRead); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func errXattrsDisabled() error {
	return errors.NewError(errors.ErrCodeUnsupported, "extended attributes are disabled")
}
