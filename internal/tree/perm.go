package tree

import (
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// CheckAccess fails with ACCESS_DENIED unless c holds every bit of want on
// n. The class is chosen owner, named user, group (owning, supplementary
// or named), other; named ACL entries are limited by the mask.
func (t *Tree) CheckAccess(c types.Caller, n *Node, want uint8) error {
	if t.allows(c, n, want) {
		return nil
	}
	return errors.Newf(errors.ErrCodeAccessDenied, "uid %d lacks %s on inode %d", c.UID, accessString(want), n.ino)
}

func (t *Tree) allows(c types.Caller, n *Node, want uint8) bool {
	if !t.opts.Enforce || want == 0 {
		return true
	}
	if c.IsRoot() && t.opts.RootBypass {
		// execute still needs at least one x bit on files
		return want&types.AccessExecute == 0 || n.IsDir() || n.mode&0o111 != 0
	}

	if c.UID == n.uid {
		return grants(uint8(n.mode>>6)&7, want)
	}

	if n.acl != nil {
		mask := uint8(n.mode>>3) & 7
		for _, e := range n.acl.entries {
			if e.Tag == types.ACLUser && e.ID == c.UID {
				return grants(e.Perm&mask, want)
			}
		}
		matched := false
		if c.InGroup(n.gid) {
			matched = true
			if grants(n.acl.group&mask, want) {
				return true
			}
		}
		for _, e := range n.acl.entries {
			if e.Tag == types.ACLGroup && c.InGroup(e.ID) {
				matched = true
				if grants(e.Perm&mask, want) {
					return true
				}
			}
		}
		if matched {
			return false
		}
	} else if c.InGroup(n.gid) {
		return grants(uint8(n.mode>>3)&7, want)
	}

	return grants(uint8(n.mode)&7, want)
}

func grants(perm, want uint8) bool {
	return want&^perm == 0
}

// privileged reports whether c holds uid 0 ownership privileges: changing
// owners, changing modes of foreign files and deleting in sticky
// directories. RootBypass only affects read/write/execute checks.
func (t *Tree) privileged(c types.Caller) bool {
	return !t.opts.Enforce || c.IsRoot()
}

func (t *Tree) ownerOrPrivileged(c types.Caller, n *Node) bool {
	return c.UID == n.uid || t.privileged(c)
}

// checkEntryChange verifies c may add, remove or rename entries in dir.
func (t *Tree) checkEntryChange(c types.Caller, dir *Node) error {
	return t.CheckAccess(c, dir, types.AccessWrite|types.AccessExecute)
}

// checkSticky verifies c may remove or replace child in dir.
func (t *Tree) checkSticky(c types.Caller, dir, child *Node) error {
	if dir.mode&types.ModeSticky == 0 || t.privileged(c) {
		return nil
	}
	if c.UID == child.uid || c.UID == dir.uid {
		return nil
	}
	return errors.Newf(errors.ErrCodeAccessDenied, "sticky directory: uid %d may not remove inode %d", c.UID, child.ino)
}

// checkChown verifies an owner change. Only uid 0 changes the owner; the
// owner may move the group to one of its own groups.
func (t *Tree) checkChown(c types.Caller, n *Node, uid, gid uint32) error {
	if t.privileged(c) {
		return nil
	}
	if uid != n.uid {
		return errors.Newf(errors.ErrCodeAccessDenied, "uid %d may not change the owner of inode %d", c.UID, n.ino)
	}
	if gid != n.gid && (c.UID != n.uid || !c.InGroup(gid)) {
		return errors.Newf(errors.ErrCodeAccessDenied, "uid %d may not change the group of inode %d to %d", c.UID, n.ino, gid)
	}
	return nil
}

// checkChmod verifies a mode change and returns the mode to store. A
// non-privileged owner cannot grant setgid on a file of a foreign group.
func (t *Tree) checkChmod(c types.Caller, n *Node, mode uint32) (uint32, error) {
	if !t.ownerOrPrivileged(c, n) {
		return 0, errors.Newf(errors.ErrCodeAccessDenied, "uid %d may not change the mode of inode %d", c.UID, n.ino)
	}
	mode &= types.ModeMask
	if !t.privileged(c) && !n.IsDir() && !c.InGroup(n.gid) {
		mode &^= types.ModeSetgid
	}
	return mode, nil
}

// aclFromEntries validates a full ACL and splits it into mode bits and
// the extended part. A minimal ACL yields a nil extended part.
func aclFromEntries(entries []types.ACLEntry, mode uint32) (uint32, *acl, error) {
	var (
		userObj, groupObj, other, mask *uint8
		ext                            []types.ACLEntry
	)
	seenUser := map[uint32]bool{}
	seenGroup := map[uint32]bool{}

	for i := range entries {
		e := entries[i]
		if e.Perm > 7 {
			return 0, nil, errors.Newf(errors.ErrCodeInvalidArgument, "acl entry %d has invalid permission %o", i, e.Perm)
		}
		perm := e.Perm
		switch e.Tag {
		case types.ACLUserObj:
			if userObj != nil {
				return 0, nil, errors.NewError(errors.ErrCodeInvalidArgument, "duplicate user_obj acl entry")
			}
			userObj = &perm
		case types.ACLGroupObj:
			if groupObj != nil {
				return 0, nil, errors.NewError(errors.ErrCodeInvalidArgument, "duplicate group_obj acl entry")
			}
			groupObj = &perm
		case types.ACLOther:
			if other != nil {
				return 0, nil, errors.NewError(errors.ErrCodeInvalidArgument, "duplicate other acl entry")
			}
			other = &perm
		case types.ACLMask:
			if mask != nil {
				return 0, nil, errors.NewError(errors.ErrCodeInvalidArgument, "duplicate mask acl entry")
			}
			mask = &perm
		case types.ACLUser:
			if seenUser[e.ID] {
				return 0, nil, errors.Newf(errors.ErrCodeInvalidArgument, "duplicate acl entry for user %d", e.ID)
			}
			seenUser[e.ID] = true
			ext = append(ext, types.ACLEntry{Tag: e.Tag, ID: e.ID, Perm: perm})
		case types.ACLGroup:
			if seenGroup[e.ID] {
				return 0, nil, errors.Newf(errors.ErrCodeInvalidArgument, "duplicate acl entry for group %d", e.ID)
			}
			seenGroup[e.ID] = true
			ext = append(ext, types.ACLEntry{Tag: e.Tag, ID: e.ID, Perm: perm})
		default:
			return 0, nil, errors.Newf(errors.ErrCodeInvalidArgument, "acl entry %d has unknown tag %d", i, e.Tag)
		}
	}
	if userObj == nil || groupObj == nil || other == nil {
		return 0, nil, errors.NewError(errors.ErrCodeInvalidArgument, "acl needs user_obj, group_obj and other entries")
	}
	if len(ext) > 0 && mask == nil {
		return 0, nil, errors.NewError(errors.ErrCodeInvalidArgument, "acl with named entries needs a mask")
	}

	mode &^= types.ModePerm
	mode |= uint32(*userObj)<<6 | uint32(*other)
	if mask == nil {
		mode |= uint32(*groupObj) << 3
		return mode, nil, nil
	}
	mode |= uint32(*mask) << 3
	return mode, &acl{group: *groupObj, entries: ext}, nil
}

func accessString(want uint8) string {
	b := []byte("---")
	if want&types.AccessRead != 0 {
		b[0] = 'r'
	}
	if want&types.AccessWrite != 0 {
		b[1] = 'w'
	}
	if want&types.AccessExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}
