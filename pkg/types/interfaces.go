package types

import (
	"context"
	"iter"
)

// FileSystem is the Core API surface that platform adapters bind to.
// Every call carries the caller identity; the engine resolves the caller's
// active branch from it.
type FileSystem interface {
	// Handle operations
	Create(ctx context.Context, c Caller, path string, opts OpenOptions) (HandleID, Attributes, error)
	Open(ctx context.Context, c Caller, path string, opts OpenOptions) (HandleID, error)
	Read(ctx context.Context, c Caller, h HandleID, offset int64, size int) ([]byte, error)
	Write(ctx context.Context, c Caller, h HandleID, offset int64, data []byte) (int, error)
	Close(ctx context.Context, c Caller, h HandleID) error
	HandleGetAttrs(ctx context.Context, c Caller, h HandleID) (Attributes, error)

	// Byte-range locks
	Lock(ctx context.Context, c Caller, h HandleID, rng LockRange) error
	Unlock(ctx context.Context, c Caller, h HandleID, rng LockRange) error
	TestLock(ctx context.Context, c Caller, h HandleID, rng LockRange) (LockRange, bool, error)

	// Namespace operations
	Unlink(ctx context.Context, c Caller, path string) error
	Mkdir(ctx context.Context, c Caller, path string, mode uint32) (Attributes, error)
	Rmdir(ctx context.Context, c Caller, path string) error
	Readdir(ctx context.Context, c Caller, path string) (iter.Seq[DirEntry], error)
	Rename(ctx context.Context, c Caller, src, dst string, opts RenameOptions) error
	Symlink(ctx context.Context, c Caller, target, linkPath string) (Attributes, error)
	Readlink(ctx context.Context, c Caller, path string) (string, error)

	// Attributes, xattrs and streams
	GetAttrs(ctx context.Context, c Caller, path string) (Attributes, error)
	SetAttrs(ctx context.Context, c Caller, path string, set SetAttributes) (Attributes, error)
	XattrGet(ctx context.Context, c Caller, path, name string) ([]byte, error)
	XattrSet(ctx context.Context, c Caller, path, name string, value []byte) error
	XattrList(ctx context.Context, c Caller, path string) ([]string, error)
	XattrRemove(ctx context.Context, c Caller, path, name string) error
	StreamList(ctx context.Context, c Caller, path string) ([]StreamInfo, error)
}

// Control is the snapshot, branch and binding surface behind the control
// plane.
type Control interface {
	SnapshotCreate(ctx context.Context, c Caller, branch BranchID, name string) (SnapshotInfo, error)
	SnapshotList(ctx context.Context) []SnapshotInfo
	SnapshotDelete(ctx context.Context, id SnapshotID) error
	BranchCreateFromSnapshot(ctx context.Context, id SnapshotID, name string) (BranchInfo, error)
	BranchCreateFromCurrent(ctx context.Context, c Caller, name string) (BranchInfo, error)
	BranchList(ctx context.Context) []BranchInfo
	BranchDelete(ctx context.Context, id BranchID) error
	BindProcess(ctx context.Context, pid uint32, branch BranchID) error
	UnbindProcess(ctx context.Context, pid uint32) error
}

// StatsProvider exposes engine counters on demand.
type StatsProvider interface {
	Stats() Stats
}
