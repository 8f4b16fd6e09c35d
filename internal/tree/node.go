package tree

import (
	"maps"
	"sort"
	"sync/atomic"

	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Node is one version of a filesystem entry. A node is immutable once it
// is reachable from a published root; changes produce a new version with
// the same inode number.
//
// Every parent directory entry and every root holder (branch, snapshot,
// detached handle) owns one reference. At zero the node releases its
// children and stream contents, unless its references were transferred to
// a newer version, which is recorded in the moved bit of refs.
type Node struct {
	ino  uint64
	kind types.NodeKind

	uid   uint32
	gid   uint32
	mode  uint32
	acl   *acl
	times types.FileTimes

	xattrs   map[string][]byte
	streams  map[string]storage.ContentRef
	children map[string]dirent
	subdirs  int
	target   string

	refs atomic.Int32
}

// movedBit marks a node whose references were transferred by claim. A
// moved node can no longer be retained by readers.
const movedBit int32 = 1 << 30

type dirent struct {
	name string
	node *Node
}

// acl holds the extended entries of a POSIX ACL. The mask lives in the
// group bits of the node mode.
type acl struct {
	group   uint8
	entries []types.ACLEntry
}

// Ino returns the stable inode number shared by all versions of the entry.
func (n *Node) Ino() uint64 { return n.ino }

// Kind returns the entry type.
func (n *Node) Kind() types.NodeKind { return n.kind }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.kind == types.KindDirectory }

// Mode returns the permission and special bits.
func (n *Node) Mode() uint32 { return n.mode }

// Owner returns uid and gid.
func (n *Node) Owner() (uint32, uint32) { return n.uid, n.gid }

// Target returns the symlink target.
func (n *Node) Target() string { return n.target }

// Len returns the number of directory entries.
func (n *Node) Len() int { return len(n.children) }

// Refs returns the current reference count.
func (n *Node) Refs() int32 { return n.refs.Load() &^ movedBit }

// Stream returns the content of a named stream.
func (n *Node) Stream(name string) (storage.ContentRef, bool) {
	ref, ok := n.streams[name]
	return ref, ok
}

// Child returns the entry stored under a lookup key.
func (n *Node) child(key string) (dirent, bool) {
	d, ok := n.children[key]
	return d, ok
}

func (n *Node) tryRetain() bool {
	for {
		r := n.refs.Load()
		if r <= 0 || r&movedBit != 0 {
			return false
		}
		if n.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// claim marks n moved if its only reference is the one being replaced. It
// fails once anyone else holds a reference, including a reader that pinned
// n a moment earlier.
func (n *Node) claim() bool {
	return n.refs.CompareAndSwap(1, 1|movedBit)
}

// unclaim reverses a claim on a node that was not copied after all.
func (n *Node) unclaim() {
	n.refs.Add(-movedBit)
}

func (n *Node) aclEntries() []types.ACLEntry {
	if n.acl == nil {
		return nil
	}
	out := make([]types.ACLEntry, 0, len(n.acl.entries)+4)
	out = append(out, types.ACLEntry{Tag: types.ACLUserObj, Perm: uint8(n.mode>>6) & 7})
	for _, e := range n.acl.entries {
		if e.Tag == types.ACLUser {
			out = append(out, e)
		}
	}
	out = append(out, types.ACLEntry{Tag: types.ACLGroupObj, Perm: n.acl.group})
	for _, e := range n.acl.entries {
		if e.Tag == types.ACLGroup {
			out = append(out, e)
		}
	}
	out = append(out,
		types.ACLEntry{Tag: types.ACLMask, Perm: uint8(n.mode>>3) & 7},
		types.ACLEntry{Tag: types.ACLOther, Perm: uint8(n.mode) & 7})
	return out
}

func (n *Node) sortedChildren() []dirent {
	out := make([]dirent, 0, len(n.children))
	for _, d := range n.children {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// shallowCopy returns a new version of n with private maps and no
// references taken.
func (n *Node) shallowCopy() *Node {
	c := &Node{
		ino:     n.ino,
		kind:    n.kind,
		uid:     n.uid,
		gid:     n.gid,
		mode:    n.mode,
		acl:     n.acl,
		times:   n.times,
		subdirs: n.subdirs,
		target:  n.target,
	}
	c.xattrs = maps.Clone(n.xattrs)
	c.streams = maps.Clone(n.streams)
	c.children = maps.Clone(n.children)
	c.refs.Store(1)
	return c
}
