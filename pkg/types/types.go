package types

import (
	"slices"
	"time"
)

// SnapshotID identifies an immutable snapshot.
type SnapshotID string

// BranchID identifies a writable branch.
type BranchID string

// DefaultBranch is the live tree observed by unbound processes.
const DefaultBranch BranchID = "default"

// HandleID identifies an open handle.
type HandleID uint64

// Caller is the identity an adapter supplies with every Core API call.
type Caller struct {
	PID    uint32   `json:"pid"`
	UID    uint32   `json:"uid"`
	GID    uint32   `json:"gid"`
	Groups []uint32 `json:"groups,omitempty"`
}

// IsRoot reports whether the caller runs as uid 0.
func (c Caller) IsRoot() bool {
	return c.UID == 0
}

// InGroup reports whether gid is the caller's primary or a supplementary group.
func (c Caller) InGroup(gid uint32) bool {
	return c.GID == gid || slices.Contains(c.Groups, gid)
}

// NodeKind is the type of a filesystem entry.
type NodeKind uint8

const (
	KindFile NodeKind = iota + 1
	KindDirectory
	KindSymlink
)

// String returns the string representation of the node kind
func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Permission and special mode bits.
const (
	ModeSetuid uint32 = 0o4000
	ModeSetgid uint32 = 0o2000
	ModeSticky uint32 = 0o1000
	ModePerm   uint32 = 0o777
	ModeMask   uint32 = 0o7777
)

// Access bits used by permission checks.
const (
	AccessRead    uint8 = 4
	AccessWrite   uint8 = 2
	AccessExecute uint8 = 1
)

// FileTimes holds the four timestamps of a node.
type FileTimes struct {
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Accessed time.Time `json:"accessed"`
	Changed  time.Time `json:"changed"`
}

// ACLTag names the class an ACL entry applies to.
type ACLTag uint8

const (
	ACLUserObj ACLTag = iota + 1
	ACLUser
	ACLGroupObj
	ACLGroup
	ACLMask
	ACLOther
)

// ACLEntry is one POSIX.1e style access control entry. Perm uses the
// Access* bits.
type ACLEntry struct {
	Tag  ACLTag `json:"tag"`
	ID   uint32 `json:"id,omitempty"`
	Perm uint8  `json:"perm"`
}

// Attributes is the attribute exchange shape shared by all adapters.
type Attributes struct {
	Ino       uint64     `json:"ino"`
	Kind      NodeKind   `json:"kind"`
	Size      int64      `json:"size"`
	Allocated int64      `json:"allocated"`
	UID       uint32     `json:"uid"`
	GID       uint32     `json:"gid"`
	Mode      uint32     `json:"mode"`
	ACL       []ACLEntry `json:"acl,omitempty"`
	Times     FileTimes  `json:"times"`
	Nlink     uint32     `json:"nlink"`
}

// IsDir reports whether the attributes describe a directory.
func (a Attributes) IsDir() bool { return a.Kind == KindDirectory }

// SetAttributes carries the attribute changes of a set_attrs call. Nil
// fields are left untouched.
type SetAttributes struct {
	Mode     *uint32
	UID      *uint32
	GID      *uint32
	Size     *int64
	Accessed *time.Time
	Modified *time.Time
	ACL      *[]ACLEntry
}

// ShareMode is a set of Windows share flags.
type ShareMode uint8

const (
	ShareRead ShareMode = 1 << iota
	ShareWrite
	ShareDelete

	ShareAll = ShareRead | ShareWrite | ShareDelete
)

// Has reports whether all flags in f are set.
func (s ShareMode) Has(f ShareMode) bool { return s&f == f }

// OpenOptions describes an open or create request.
type OpenOptions struct {
	Read      bool
	Write     bool
	Create    bool
	Exclusive bool
	Truncate  bool
	Append    bool
	// Delete requests delete access (Windows DELETE); only consulted by
	// share-mode admission.
	Delete bool
	// DeleteOnClose unlinks the file when the last handle opened with it
	// closes.
	DeleteOnClose bool
	Share         ShareMode
	// Mode is the permission of a newly created file.
	Mode uint32
	// Stream selects an alternate data stream; "" is the default stream.
	Stream string
}

// RenameOptions controls rename collisions.
type RenameOptions struct {
	// Overwrite replaces an existing destination instead of failing with
	// AlreadyExists.
	Overwrite bool
}

// LockKind is the mode of a byte-range lock.
type LockKind uint8

const (
	LockShared LockKind = iota + 1
	LockExclusive
)

// String returns the string representation of the lock kind
func (k LockKind) String() string {
	switch k {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// LockRange is a byte range with a lock mode. Length 0 extends to the end
// of any possible file.
type LockRange struct {
	Offset uint64   `json:"offset"`
	Length uint64   `json:"length"`
	Kind   LockKind `json:"kind"`
}

// End returns the exclusive end offset of the range.
func (r LockRange) End() uint64 {
	if r.Length == 0 || r.Offset+r.Length < r.Offset {
		return ^uint64(0)
	}
	return r.Offset + r.Length
}

// Overlaps reports whether two ranges share at least one byte.
func (r LockRange) Overlaps(o LockRange) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// ConflictsWith reports whether r cannot coexist with o held by another owner.
func (r LockRange) ConflictsWith(o LockRange) bool {
	if !r.Overlaps(o) {
		return false
	}
	return r.Kind == LockExclusive || o.Kind == LockExclusive
}

// DirEntry is one readdir-plus result.
type DirEntry struct {
	Name       string     `json:"name"`
	Attributes Attributes `json:"attributes"`
}

// StreamInfo describes an alternate data stream.
type StreamInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SnapshotInfo describes a snapshot.
type SnapshotInfo struct {
	ID      SnapshotID `json:"id"`
	Name    string     `json:"name,omitempty"`
	Parent  SnapshotID `json:"parent,omitempty"`
	Branch  BranchID   `json:"branch"`
	Created time.Time  `json:"created"`
}

// BranchInfo describes a branch.
type BranchInfo struct {
	ID             BranchID   `json:"id"`
	Name           string     `json:"name,omitempty"`
	Origin         SnapshotID `json:"origin,omitempty"`
	Parent         BranchID   `json:"parent,omitempty"`
	Created        time.Time  `json:"created"`
	BoundProcesses int        `json:"bound_processes"`
	OpenHandles    int        `json:"open_handles"`
}

// BindingInfo describes a process binding.
type BindingInfo struct {
	PID     uint32    `json:"pid"`
	Branch  BranchID  `json:"branch"`
	BoundAt time.Time `json:"bound_at"`
}

// EventKind enumerates the events the engine emits.
type EventKind uint8

const (
	EventNodeCreated EventKind = iota + 1
	EventNodeRemoved
	EventNodeRenamed
	EventSnapshotCreated
	EventSnapshotDeleted
	EventBranchCreated
	EventBranchDeleted
	EventProcessBound
	EventProcessUnbound
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventNodeCreated:
		return "node_created"
	case EventNodeRemoved:
		return "node_removed"
	case EventNodeRenamed:
		return "node_renamed"
	case EventSnapshotCreated:
		return "snapshot_created"
	case EventSnapshotDeleted:
		return "snapshot_deleted"
	case EventBranchCreated:
		return "branch_created"
	case EventBranchDeleted:
		return "branch_deleted"
	case EventProcessBound:
		return "process_bound"
	case EventProcessUnbound:
		return "process_unbound"
	default:
		return "unknown"
	}
}

// Event is a structured audit record.
type Event struct {
	Seq      uint64     `json:"seq"`
	Kind     EventKind  `json:"kind"`
	Time     time.Time  `json:"time"`
	Branch   BranchID   `json:"branch,omitempty"`
	Snapshot SnapshotID `json:"snapshot,omitempty"`
	PID      uint32     `json:"pid,omitempty"`
	Path     string     `json:"path,omitempty"`
	NewPath  string     `json:"new_path,omitempty"`
	NodeKind NodeKind   `json:"node_kind,omitempty"`
}

// Stats is an on-demand snapshot of engine counters.
type Stats struct {
	Operations    map[string]uint64 `json:"operations"`
	Errors        map[string]uint64 `json:"errors"`
	BytesRead     uint64            `json:"bytes_read"`
	BytesWritten  uint64            `json:"bytes_written"`
	ActiveHandles int64             `json:"active_handles"`
	CowCopies     uint64            `json:"cow_copies"`
	NodeCopies    uint64            `json:"node_copies"`
	ChunkCopies   uint64            `json:"chunk_copies"`
	Branches      int               `json:"branches"`
	Snapshots     int               `json:"snapshots"`
	Bindings      int               `json:"bindings"`
	LiveNodes     int64             `json:"live_nodes"`
	LiveContents  int64             `json:"live_contents"`
	LiveChunks    int64             `json:"live_chunks"`
	BytesInMemory int64             `json:"bytes_in_memory"`
	BytesSpilled  int64             `json:"bytes_spilled"`
	EventsDropped uint64            `json:"events_dropped"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
