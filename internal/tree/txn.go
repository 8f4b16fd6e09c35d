package tree

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
	"github.com/agentharbor/agentfs/pkg/utils"
)

const (
	maxSymlinkTarget = 4096
	maxXattrValue    = 64 * 1024
)

// NewEntry describes a node to create.
type NewEntry struct {
	Kind   types.NodeKind
	Mode   uint32
	Target string
}

// Edit is a content change applied to one stream.
type Edit struct {
	Offset int64
	Data   []byte
	// Truncate sets the stream size to Size instead of writing Data.
	Truncate bool
	Size     int64
}

// RenameResult reports the moved node and the node it replaced, if any.
type RenameResult struct {
	Node     *Node
	Replaced *Node
}

// Txn edits one root by path copying. Nodes reachable from the base root
// are never modified: the first change along a path clones every node
// from the root down, and later changes in the same transaction reuse
// those fresh copies.
//
// Operations validate arguments and permissions and perform all fallible
// storage work before copying anything, so a failed operation leaves the
// transaction as it was.
type Txn struct {
	tree   *Tree
	ctx    context.Context
	caller types.Caller
	now    time.Time

	base  *Node
	root  *Node
	fresh map[*Node]struct{}

	// claimed holds nodes claimed ahead of an in-place content edit and
	// not copied yet; moved holds nodes whose references a copy took over.
	claimed map[*Node]struct{}
	moved   []*Node

	dropNodes []*Node
	dropRefs  []storage.ContentRef
	committed []func()
}

// Begin starts a transaction on root. The caller keeps its reference to
// root and must serialize transactions on the same root holder.
func (t *Tree) Begin(ctx context.Context, c types.Caller, root *Node) *Txn {
	return &Txn{
		tree:    t,
		ctx:     ctx,
		caller:  c,
		now:     time.Now(),
		base:    root,
		root:    root,
		fresh:   make(map[*Node]struct{}),
		claimed: make(map[*Node]struct{}),
	}
}

// Tree returns the tree the transaction edits.
func (x *Txn) Tree() *Tree { return x.tree }

// Caller returns the identity the transaction checks permissions for.
func (x *Txn) Caller() types.Caller { return x.caller }

// Root returns the working root. It holds one reference once Changed.
func (x *Txn) Root() *Node { return x.root }

// Changed reports whether any node was copied.
func (x *Txn) Changed() bool { return x.root != x.base }

// Finish releases the nodes and contents the transaction displaced. Call
// it after the new root is published and after retaining any displaced
// node that must stay alive, such as an unlinked file with open handles.
func (x *Txn) Finish() {
	x.unclaimAll()
	for _, n := range x.dropNodes {
		x.tree.Release(n)
	}
	for _, ref := range x.dropRefs {
		if err := x.tree.store.Release(ref); err != nil {
			x.tree.logger.Error("failed to release displaced content", zap.Error(err))
		}
	}
	for _, fn := range x.committed {
		fn()
	}
	x.dropNodes, x.dropRefs, x.fresh, x.claimed, x.moved, x.committed = nil, nil, nil, nil, nil, nil
}

// OnCommit registers fn to run from Finish, in registration order. A
// root holder that finishes while still excluding other writers runs
// the hooks of its transactions in commit order. Abort drops them.
func (x *Txn) OnCommit(fn func()) {
	x.committed = append(x.committed, fn)
}

// Abort ends a transaction whose operation failed. Every claim is undone,
// so the base root can be pinned again. Operations never fail after
// copying; if a caller chains operations and a later one fails, the copies
// made so far are dropped without releasing what they retained.
func (x *Txn) Abort() {
	if x.Changed() {
		x.tree.logger.Error("aborting a modified transaction")
	}
	x.unclaimAll()
	for _, n := range x.moved {
		n.unclaim()
	}
	x.dropNodes, x.dropRefs, x.fresh, x.claimed, x.moved, x.committed = nil, nil, nil, nil, nil, nil
}

type path struct {
	nodes []*Node
	keys  []string
}

func (p path) last() *Node { return p.nodes[len(p.nodes)-1] }

func (x *Txn) isFresh(n *Node) bool {
	_, ok := x.fresh[n]
	return ok
}

// descend walks keys from the working root, checking search permission
// when check is set.
func (x *Txn) descend(keys []string, check bool) (path, error) {
	p := path{nodes: make([]*Node, 1, len(keys)+1), keys: keys}
	p.nodes[0] = x.root
	cur := x.root
	for _, k := range keys {
		if !cur.IsDir() {
			return path{}, errors.Newf(errors.ErrCodeNotADirectory, "%q: not a directory", k)
		}
		if check {
			if err := x.tree.CheckAccess(x.caller, cur, types.AccessExecute); err != nil {
				return path{}, err
			}
		}
		d, ok := cur.child(k)
		if !ok {
			return path{}, errors.Newf(errors.ErrCodeNotFound, "%q not found", k)
		}
		cur = d.node
		p.nodes = append(p.nodes, cur)
	}
	return p, nil
}

func (x *Txn) walk(comps []string) (path, error) {
	return x.descend(x.tree.Keys(comps), true)
}

// Lookup resolves comps against the working root with permission checks.
func (x *Txn) Lookup(comps []string) (*Node, error) {
	p, err := x.walk(comps)
	if err != nil {
		return nil, err
	}
	return p.last(), nil
}

// LookupKeys resolves lookup keys against the working root without
// permission checks.
func (x *Txn) LookupKeys(keys []string) (*Node, error) {
	p, err := x.descend(keys, false)
	if err != nil {
		return nil, err
	}
	return p.last(), nil
}

// claimPath claims every node on the path that the transaction has not
// copied yet. It succeeds only when each one is referenced by its parent
// alone; a claimed node can no longer be pinned, so content reachable only
// through the path may then be edited in place unseen until the new root
// is published. On failure nothing stays claimed.
func (x *Txn) claimPath(keys []string) bool {
	var taken []*Node
	cur := x.root
	for i := 0; ; i++ {
		if !x.isFresh(cur) {
			if _, ok := x.claimed[cur]; !ok {
				if !cur.claim() {
					x.unclaim(taken)
					return false
				}
				x.claimed[cur] = struct{}{}
				taken = append(taken, cur)
			}
		}
		if i == len(keys) {
			return true
		}
		cur = cur.children[keys[i]].node
	}
}

func (x *Txn) unclaim(nodes []*Node) {
	for _, n := range nodes {
		delete(x.claimed, n)
		n.unclaim()
	}
}

func (x *Txn) unclaimAll() {
	for n := range x.claimed {
		n.unclaim()
	}
	clear(x.claimed)
}

// take claims n for a copy that takes over its references, reusing a
// claim made by claimPath. Either every node on a path was claimed there
// or none was.
func (x *Txn) take(n *Node) bool {
	if _, ok := x.claimed[n]; ok {
		delete(x.claimed, n)
	} else if !n.claim() {
		return false
	}
	x.moved = append(x.moved, n)
	return true
}

func (x *Txn) cloneFresh(n *Node, transfer bool) *Node {
	c := x.tree.clone(n, transfer)
	x.fresh[c] = struct{}{}
	return c
}

// copyPath makes every node from the root to keys fresh and returns the
// last one. The path must resolve.
func (x *Txn) copyPath(keys []string) *Node {
	cur := x.root
	owned := true
	if !x.isFresh(cur) {
		owned = x.take(cur)
		cur = x.cloneFresh(cur, owned)
		x.root = cur
	}
	for _, k := range keys {
		d := cur.children[k]
		child := d.node
		if !x.isFresh(child) {
			owned = owned && x.take(child)
			nc := x.cloneFresh(child, owned)
			cur.children[k] = dirent{name: d.name, node: nc}
			x.dropNodes = append(x.dropNodes, child)
			child = nc
		}
		cur = child
	}
	return cur
}

func (x *Txn) setStream(n *Node, name string, ref storage.ContentRef) {
	if n.streams == nil {
		n.streams = make(map[string]storage.ContentRef)
	}
	prev, had := n.streams[name]
	n.streams[name] = ref
	if had && prev != ref {
		x.dropRefs = append(x.dropRefs, prev)
	}
}

func (x *Txn) touch(n *Node) {
	n.times.Modified = x.now
	n.times.Changed = x.now
}

// Create adds a new entry. Creating needs write and search permission on
// the parent; entries in a setgid directory take its group.
func (x *Txn) Create(comps []string, e NewEntry) (*Node, error) {
	if len(comps) == 0 {
		return nil, errors.NewError(errors.ErrCodeAlreadyExists, "the root already exists")
	}
	name := comps[len(comps)-1]
	p, err := x.walk(comps[:len(comps)-1])
	if err != nil {
		return nil, err
	}
	dir := p.last()
	if !dir.IsDir() {
		return nil, errors.Newf(errors.ErrCodeNotADirectory, "parent of %q is not a directory", name)
	}
	if err := x.tree.checkEntryChange(x.caller, dir); err != nil {
		return nil, err
	}
	key := x.tree.key(name)
	if _, ok := dir.child(key); ok {
		return nil, errors.Newf(errors.ErrCodeAlreadyExists, "%q already exists", name)
	}

	uid, gid := x.caller.UID, x.caller.GID
	mode := e.Mode & types.ModeMask
	if dir.mode&types.ModeSetgid != 0 {
		gid = dir.gid
		if e.Kind == types.KindDirectory {
			mode |= types.ModeSetgid
		}
	}

	var ref storage.ContentRef
	switch e.Kind {
	case types.KindFile:
		if ref, err = x.tree.store.Alloc(x.ctx, nil); err != nil {
			return nil, err
		}
	case types.KindDirectory:
	case types.KindSymlink:
		if e.Target == "" || len(e.Target) > maxSymlinkTarget {
			return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid symlink target length %d", len(e.Target))
		}
		mode = 0o777
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "cannot create a node of kind %s", e.Kind)
	}

	n := x.tree.newNode(e.Kind, uid, gid, mode, x.now)
	switch e.Kind {
	case types.KindFile:
		n.streams = map[string]storage.ContentRef{"": ref}
	case types.KindSymlink:
		n.target = e.Target
	}
	x.fresh[n] = struct{}{}

	fdir := x.copyPath(p.keys)
	fdir.children[key] = dirent{name: name, node: n}
	if n.IsDir() {
		fdir.subdirs++
	}
	x.touch(fdir)
	return n, nil
}

// Remove unlinks a file or symlink, or removes an empty directory when dir
// is set. The removed node stays alive until Finish.
func (x *Txn) Remove(comps []string, dir bool) (*Node, error) {
	if len(comps) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "cannot remove the root")
	}
	name := comps[len(comps)-1]
	p, err := x.walk(comps[:len(comps)-1])
	if err != nil {
		return nil, err
	}
	parent := p.last()
	if !parent.IsDir() {
		return nil, errors.Newf(errors.ErrCodeNotADirectory, "parent of %q is not a directory", name)
	}
	key := x.tree.key(name)
	d, ok := parent.child(key)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "%q not found", name)
	}
	child := d.node

	if dir {
		if !child.IsDir() {
			return nil, errors.Newf(errors.ErrCodeNotADirectory, "%q is not a directory", name)
		}
		if len(child.children) > 0 {
			return nil, errors.Newf(errors.ErrCodeNotEmpty, "%q is not empty", name)
		}
	} else if child.IsDir() {
		return nil, errors.Newf(errors.ErrCodeIsADirectory, "%q is a directory", name)
	}
	if err := x.tree.checkEntryChange(x.caller, parent); err != nil {
		return nil, err
	}
	if err := x.tree.checkSticky(x.caller, parent, child); err != nil {
		return nil, err
	}

	fdir := x.copyPath(p.keys)
	removed := fdir.children[key].node
	delete(fdir.children, key)
	if removed.IsDir() {
		fdir.subdirs--
	}
	x.dropNodes = append(x.dropNodes, removed)
	x.touch(fdir)
	return removed, nil
}

// Rename moves src to dst in one step: both parents are copied within the
// same transaction, so the new root never shows the entry in neither or
// both places. With overwrite an existing dst of a compatible kind is
// replaced; the replaced node stays alive until Finish.
func (x *Txn) Rename(src, dst []string, overwrite bool) (RenameResult, error) {
	if len(src) == 0 || len(dst) == 0 {
		return RenameResult{}, errors.NewError(errors.ErrCodeInvalidArgument, "cannot rename the root")
	}

	sp, err := x.walk(src[:len(src)-1])
	if err != nil {
		return RenameResult{}, err
	}
	sdir := sp.last()
	if !sdir.IsDir() {
		return RenameResult{}, errors.NewError(errors.ErrCodeNotADirectory, "source parent is not a directory")
	}
	skey := x.tree.key(src[len(src)-1])
	sd, ok := sdir.child(skey)
	if !ok {
		return RenameResult{}, errors.Newf(errors.ErrCodeNotFound, "%q not found", src[len(src)-1])
	}
	child := sd.node

	dp, err := x.walk(dst[:len(dst)-1])
	if err != nil {
		return RenameResult{}, err
	}
	ddir := dp.last()
	if !ddir.IsDir() {
		return RenameResult{}, errors.NewError(errors.ErrCodeNotADirectory, "destination parent is not a directory")
	}
	dname := dst[len(dst)-1]
	dkey := x.tree.key(dname)

	if err := x.tree.checkEntryChange(x.caller, sdir); err != nil {
		return RenameResult{}, err
	}
	if err := x.tree.checkSticky(x.caller, sdir, child); err != nil {
		return RenameResult{}, err
	}
	if err := x.tree.checkEntryChange(x.caller, ddir); err != nil {
		return RenameResult{}, err
	}

	srcKeys := append(slices.Clone(sp.keys), skey)
	dstKeys := append(slices.Clone(dp.keys), dkey)
	if child.IsDir() && len(dstKeys) > len(srcKeys) && utils.HasPathPrefix(dstKeys, srcKeys) {
		return RenameResult{}, errors.NewError(errors.ErrCodeInvalidArgument, "cannot move a directory into itself")
	}

	sameDir := slices.Equal(sp.keys, dp.keys)
	existing, exists := ddir.child(dkey)
	if exists && existing.node == child {
		if sameDir && existing.name != dname {
			fdir := x.copyPath(sp.keys)
			fdir.children[skey] = dirent{name: dname, node: fdir.children[skey].node}
			x.touch(fdir)
		}
		return RenameResult{Node: child}, nil
	}

	var replaced *Node
	if exists {
		replaced = existing.node
		switch {
		case !overwrite:
			return RenameResult{}, errors.Newf(errors.ErrCodeAlreadyExists, "%q already exists", dname)
		case child.IsDir() && !replaced.IsDir():
			return RenameResult{}, errors.Newf(errors.ErrCodeNotADirectory, "%q is not a directory", dname)
		case !child.IsDir() && replaced.IsDir():
			return RenameResult{}, errors.Newf(errors.ErrCodeIsADirectory, "%q is a directory", dname)
		case replaced.IsDir() && len(replaced.children) > 0:
			return RenameResult{}, errors.Newf(errors.ErrCodeNotEmpty, "%q is not empty", dname)
		}
		if err := x.tree.checkSticky(x.caller, ddir, replaced); err != nil {
			return RenameResult{}, err
		}
	}
	if child.IsDir() && !sameDir {
		// the moved directory's parent link changes
		if err := x.tree.CheckAccess(x.caller, child, types.AccessWrite); err != nil {
			return RenameResult{}, err
		}
	}

	fs := x.copyPath(sp.keys)
	moved := fs.children[skey].node
	delete(fs.children, skey)
	if moved.IsDir() {
		fs.subdirs--
	}
	x.touch(fs)

	fd := x.copyPath(dp.keys)
	if prev, ok := fd.children[dkey]; ok {
		delete(fd.children, dkey)
		if prev.node.IsDir() {
			fd.subdirs--
		}
		x.dropNodes = append(x.dropNodes, prev.node)
	}
	fd.children[dkey] = dirent{name: dname, node: moved}
	if moved.IsDir() {
		fd.subdirs++
	}
	x.touch(fd)

	return RenameResult{Node: moved, Replaced: replaced}, nil
}

// SetAttrs applies attribute changes. Mode and ACL changes need the owner
// or uid 0; owner changes follow checkChown and clear setuid and setgid
// on non-directories; size needs write permission; times need the owner
// or write permission.
func (x *Txn) SetAttrs(comps []string, set types.SetAttributes) (*Node, error) {
	p, err := x.walk(comps)
	if err != nil {
		return nil, err
	}
	n := p.last()
	t := x.tree
	if set == (types.SetAttributes{}) {
		return n, nil
	}

	mode, nacl := n.mode, n.acl
	uid, gid := n.uid, n.gid

	if set.Mode != nil {
		if mode, err = t.checkChmod(x.caller, n, *set.Mode); err != nil {
			return nil, err
		}
	}
	if set.ACL != nil {
		if !t.ownerOrPrivileged(x.caller, n) {
			return nil, errors.Newf(errors.ErrCodeAccessDenied, "uid %d may not change the acl of inode %d", x.caller.UID, n.ino)
		}
		if len(*set.ACL) == 0 {
			nacl = nil
		} else if mode, nacl, err = aclFromEntries(*set.ACL, mode); err != nil {
			return nil, err
		}
	}
	chown := set.UID != nil || set.GID != nil
	if chown {
		if set.UID != nil {
			uid = *set.UID
		}
		if set.GID != nil {
			gid = *set.GID
		}
		if err := t.checkChown(x.caller, n, uid, gid); err != nil {
			return nil, err
		}
		if !n.IsDir() {
			mode &^= types.ModeSetuid | types.ModeSetgid
		}
	}
	if set.Accessed != nil || set.Modified != nil {
		if !t.ownerOrPrivileged(x.caller, n) {
			if err := t.CheckAccess(x.caller, n, types.AccessWrite); err != nil {
				return nil, err
			}
		}
	}

	var ref storage.ContentRef
	if set.Size != nil {
		switch {
		case n.IsDir():
			return nil, errors.NewError(errors.ErrCodeIsADirectory, "cannot truncate a directory")
		case n.kind != types.KindFile:
			return nil, errors.NewError(errors.ErrCodeInvalidArgument, "cannot truncate a symlink")
		case *set.Size < 0:
			return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid size %d", *set.Size)
		}
		if err := t.CheckAccess(x.caller, n, types.AccessWrite); err != nil {
			return nil, err
		}
		owned := x.claimPath(p.keys)
		if ref, err = t.rewriteRef(x.ctx, n, "", owned, Edit{Truncate: true, Size: *set.Size}); err != nil {
			x.unclaimAll()
			return nil, err
		}
	}

	f := x.copyPath(p.keys)
	f.mode, f.acl, f.uid, f.gid = mode, nacl, uid, gid
	if set.Accessed != nil {
		f.times.Accessed = *set.Accessed
	}
	if set.Modified != nil {
		f.times.Modified = *set.Modified
	}
	if set.Size != nil {
		x.setStream(f, "", ref)
		if set.Modified == nil {
			f.times.Modified = x.now
		}
	}
	f.times.Changed = x.now
	return f, nil
}

// EditStream applies a content edit to a stream of the file at keys on
// behalf of an open handle. The node must still carry ino.
func (x *Txn) EditStream(keys []string, ino uint64, stream string, e Edit) (*Node, error) {
	p, err := x.descend(keys, false)
	if err != nil {
		return nil, err
	}
	n := p.last()
	if n.ino != ino {
		return nil, errors.Newf(errors.ErrCodeStaleHandle, "inode %d is no longer at its path", ino)
	}
	if err := x.tree.checkEditable(n, stream); err != nil {
		return nil, err
	}

	ref, err := x.tree.rewriteRef(x.ctx, n, stream, x.claimPath(keys), e)
	if err != nil {
		x.unclaimAll()
		return nil, err
	}

	f := x.copyPath(keys)
	x.setStream(f, stream, ref)
	x.tree.stampWrite(x.caller, f, x.now)
	return f, nil
}

// SetXattr sets an extended attribute. Writing needs the owner or write
// permission.
func (x *Txn) SetXattr(comps []string, name string, value []byte) (*Node, error) {
	if len(value) > maxXattrValue {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "xattr value exceeds %d bytes", maxXattrValue)
	}
	p, err := x.xattrTarget(comps, name)
	if err != nil {
		return nil, err
	}

	f := x.copyPath(p.keys)
	if f.xattrs == nil {
		f.xattrs = make(map[string][]byte)
	}
	f.xattrs[name] = append([]byte(nil), value...)
	f.times.Changed = x.now
	return f, nil
}

// RemoveXattr deletes an extended attribute.
func (x *Txn) RemoveXattr(comps []string, name string) (*Node, error) {
	p, err := x.xattrTarget(comps, name)
	if err != nil {
		return nil, err
	}
	if _, ok := p.last().xattrs[name]; !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "xattr %q not found", name)
	}

	f := x.copyPath(p.keys)
	delete(f.xattrs, name)
	f.times.Changed = x.now
	return f, nil
}

func (x *Txn) xattrTarget(comps []string, name string) (path, error) {
	t := x.tree
	if !t.opts.EnableXattrs {
		return path{}, errXattrsDisabled()
	}
	if name == "" || len(name) > utils.MaxNameLength {
		return path{}, errors.Newf(errors.ErrCodeInvalidArgument, "invalid xattr name %q", name)
	}
	p, err := x.walk(comps)
	if err != nil {
		return path{}, err
	}
	n := p.last()
	if !t.ownerOrPrivileged(x.caller, n) {
		if err := t.CheckAccess(x.caller, n, types.AccessWrite); err != nil {
			return path{}, err
		}
	}
	return p, nil
}

// EditDetached applies a content edit to a node no tree references any
// longer, such as an unlinked file kept alive by open handles. It returns
// the new version holding one reference; the caller releases n.
func (t *Tree) EditDetached(ctx context.Context, c types.Caller, n *Node, stream string, e Edit) (*Node, error) {
	if err := t.checkEditable(n, stream); err != nil {
		return nil, err
	}
	owned := n.Refs() == 1
	ref, err := t.rewriteRef(ctx, n, stream, owned, e)
	if err != nil {
		return nil, err
	}

	f := t.clone(n, owned && n.claim())
	if f.streams == nil {
		f.streams = make(map[string]storage.ContentRef)
	}
	prev, had := f.streams[stream]
	f.streams[stream] = ref
	if had && prev != ref {
		if err := t.store.Release(prev); err != nil {
			t.logger.Error("failed to release displaced content", zap.Error(err))
		}
	}
	t.stampWrite(c, f, time.Now())
	return f, nil
}

func (t *Tree) checkEditable(n *Node, stream string) error {
	switch {
	case n.IsDir():
		return errors.NewError(errors.ErrCodeIsADirectory, "is a directory")
	case n.kind != types.KindFile:
		return errors.NewError(errors.ErrCodeInvalidArgument, "not a regular file")
	case stream != "" && !t.opts.EnableADS:
		return errors.NewError(errors.ErrCodeUnsupported, "alternate data streams are disabled")
	}
	return nil
}

// rewriteRef produces the content of stream after e. Content that only n
// can observe is edited in place; anything shared is cloned first. The
// returned reference is owned by the caller unless it equals the current
// one. On error nothing changed.
func (t *Tree) rewriteRef(ctx context.Context, n *Node, stream string, owned bool, e Edit) (storage.ContentRef, error) {
	ref, ok := n.streams[stream]
	if ok && owned && t.store.RefCount(ref) == 1 {
		return t.applyEdit(ctx, ref, e)
	}

	var (
		work storage.ContentRef
		err  error
	)
	if ok {
		work, err = t.store.CloneCOW(ref)
	} else {
		work, err = t.store.Alloc(ctx, nil)
	}
	if err != nil {
		return 0, err
	}
	out, err := t.applyEdit(ctx, work, e)
	if err != nil {
		_ = t.store.Release(work)
		return 0, err
	}
	return out, nil
}

func (t *Tree) applyEdit(ctx context.Context, ref storage.ContentRef, e Edit) (storage.ContentRef, error) {
	if e.Truncate {
		return t.store.Truncate(ctx, ref, e.Size)
	}
	return t.store.Write(ctx, ref, e.Offset, e.Data)
}

// stampWrite updates times after a content change and drops setuid, and
// setgid when group execute is set, for unprivileged writers.
func (t *Tree) stampWrite(c types.Caller, n *Node, now time.Time) {
	n.times.Modified = now
	n.times.Changed = now
	if t.privileged(c) {
		return
	}
	n.mode &^= types.ModeSetuid
	if n.mode&0o010 != 0 {
		n.mode &^= types.ModeSetgid
	}
}
