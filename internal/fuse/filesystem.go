//go:build !cgofuse

package fuse

import (
	"context"
	"math"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/retry"
	"github.com/agentharbor/agentfs/pkg/types"
)

// renameat2 flags as passed through by the kernel.
const (
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

// offsetMax is the lock end the kernel uses for "to end of file".
const offsetMax = math.MaxInt64

// FileSystem translates go-fuse node callbacks into Core API calls. The
// kernel caches one inode tree for all processes while every process may
// see a different branch, so nodes carry no state besides their position
// in that tree and every call resolves the path again.
type FileSystem struct {
	engine    types.FileSystem
	config    *Config
	logger    *zap.Logger
	lockRetry *retry.Retryer
	groups    func(pid uint32) []uint32

	stats counters
}

// NewFileSystem creates a go-fuse filesystem serving engine.
func NewFileSystem(engine types.FileSystem, config *Config, logger *zap.Logger) *FileSystem {
	if config == nil {
		config = &Config{LockWait: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystem{
		engine:    engine,
		config:    config,
		logger:    logger.Named("fuse"),
		lockRetry: newLockRetryer(config.LockWait),
		groups:    groupsOf,
	}
}

// newLockRetryer polls a contended lock with backoff for roughly wait.
func newLockRetryer(wait time.Duration) *retry.Retryer {
	const initial, ceiling = 5 * time.Millisecond, 250 * time.Millisecond
	attempts := 1
	for spent, d := time.Duration(0), initial; spent < wait; attempts++ {
		spent += d
		d = min(2*d, ceiling)
	}
	return retry.New(retry.Config{
		MaxAttempts:     attempts,
		InitialDelay:    initial,
		MaxDelay:        ceiling,
		Multiplier:      2,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeLocked},
	})
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: fsys}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *FilesystemStats {
	return fsys.stats.snapshot()
}

func (fsys *FileSystem) caller(ctx context.Context) types.Caller {
	c, ok := fuse.FromContext(ctx)
	if !ok {
		return types.Caller{UID: fsys.config.DefaultUID, GID: fsys.config.DefaultGID}
	}
	return types.Caller{PID: c.Pid, UID: c.Uid, GID: c.Gid, Groups: fsys.groups(c.Pid)}
}

// fail counts and logs err and returns its errno. Expected outcomes such
// as a failed lookup are logged at debug level.
func (fsys *FileSystem) fail(op, path string, err error, errno syscall.Errno) syscall.Errno {
	fsys.stats.errors.Add(1)
	if errno == syscall.EIO || errno == syscall.ENOTCONN {
		fsys.logger.Warn("Operation failed",
			zap.String("op", op), zap.String("path", path), zap.Error(err))
	} else {
		fsys.logger.Debug("Operation failed",
			zap.String("op", op), zap.String("path", path), zap.Error(err))
	}
	return errno
}

func (fsys *FileSystem) errno(op, path string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return fsys.fail(op, path, err, Errno(err))
}

// keepRawName records the bytes of a name EncodeName had to change.
func (fsys *FileSystem) keepRawName(ctx context.Context, c types.Caller, path, name string) {
	if EncodeName(name) == name {
		return
	}
	if err := fsys.engine.XattrSet(ctx, c, path, RawNameXattr, []byte(name)); err != nil {
		fsys.logger.Debug("Cannot record raw name", zap.String("path", path), zap.Error(err))
	}
}

func kindMode(k types.NodeKind) uint32 {
	switch k {
	case types.KindDirectory:
		return fuse.S_IFDIR
	case types.KindSymlink:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

func fillAttr(out *fuse.Attr, a types.Attributes) {
	out.Size = safeInt64ToUint64(a.Size)
	out.Blocks = safeInt64ToUint64((a.Allocated + 511) / 512)
	out.Mode = kindMode(a.Kind) | a.Mode
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.SetTimes(&a.Times.Accessed, &a.Times.Modified, &a.Times.Changed)
}

// openOptions translates open(2) flags. Share modes are a Windows concept
// and always allow everything here.
func openOptions(flags uint32) types.OpenOptions {
	opts := types.OpenOptions{Share: types.ShareAll}
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		opts.Write = true
	case syscall.O_RDWR:
		opts.Read, opts.Write = true, true
	default:
		opts.Read = true
	}
	opts.Truncate = flags&syscall.O_TRUNC != 0
	opts.Append = flags&syscall.O_APPEND != 0
	return opts
}

// lockRange converts a kernel lock. The second result reports an unlock.
func lockRange(lk *fuse.FileLock) (types.LockRange, bool) {
	r := types.LockRange{Offset: lk.Start, Kind: types.LockExclusive}
	if lk.End < offsetMax && lk.End >= lk.Start {
		r.Length = lk.End - lk.Start + 1
	}
	switch lk.Typ {
	case syscall.F_RDLCK:
		r.Kind = types.LockShared
	case syscall.F_UNLCK:
		return r, true
	}
	return r, false
}

func fillLock(out *fuse.FileLock, r types.LockRange) {
	out.Start = r.Offset
	out.End = offsetMax
	if r.Length != 0 {
		out.End = r.End() - 1
	}
	out.Typ = syscall.F_WRLCK
	if r.Kind == types.LockShared {
		out.Typ = syscall.F_RDLCK
	}
}

// Node is a position in the kernel's inode tree.
type Node struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper      = (*Node)(nil)
	_ fs.NodeGetattrer     = (*Node)(nil)
	_ fs.NodeSetattrer     = (*Node)(nil)
	_ fs.NodeReaddirer     = (*Node)(nil)
	_ fs.NodeMkdirer       = (*Node)(nil)
	_ fs.NodeCreater       = (*Node)(nil)
	_ fs.NodeOpener        = (*Node)(nil)
	_ fs.NodeUnlinker      = (*Node)(nil)
	_ fs.NodeRmdirer       = (*Node)(nil)
	_ fs.NodeRenamer       = (*Node)(nil)
	_ fs.NodeSymlinker     = (*Node)(nil)
	_ fs.NodeReadlinker    = (*Node)(nil)
	_ fs.NodeGetxattrer    = (*Node)(nil)
	_ fs.NodeSetxattrer    = (*Node)(nil)
	_ fs.NodeListxattrer   = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
)

func (n *Node) path() string {
	return "/" + n.Path(nil)
}

func (n *Node) newChild(ctx context.Context, a types.Attributes, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, a)
	// Ino 0 lets go-fuse number the inode; engine inode numbers repeat
	// across branches.
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{Mode: kindMode(a.Kind)})
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.lookups.Add(1)
	p := childPath(n.path(), name)
	a, err := n.fsys.engine.GetAttrs(ctx, n.fsys.caller(ctx), p)
	if err != nil {
		return nil, n.fsys.errno("lookup", p, err)
	}
	return n.newChild(ctx, a, out), 0
}

// Getattr prefers the open handle so fstat sees the handle's branch.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(*FileHandle); ok {
		return fh.Getattr(ctx, out)
	}
	a, err := n.fsys.engine.GetAttrs(ctx, n.fsys.caller(ctx), n.path())
	if err != nil {
		return n.fsys.errno("getattr", n.path(), err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

// Setattr applies chmod, chown, truncate and utimes.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var set types.SetAttributes
	if mode, ok := in.GetMode(); ok {
		mode &= types.ModeMask
		set.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		set.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		set.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		if size > math.MaxInt64 {
			return syscall.EFBIG
		}
		sz := int64(size)
		set.Size = &sz
	}
	if atime, ok := in.GetATime(); ok {
		set.Accessed = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		set.Modified = &mtime
	}

	a, err := n.fsys.engine.SetAttrs(ctx, n.fsys.caller(ctx), n.path(), set)
	if err != nil {
		return n.fsys.errno("setattr", n.path(), err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

// Readdir reads directory contents
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	seq, err := n.fsys.engine.Readdir(ctx, n.fsys.caller(ctx), n.path())
	if err != nil {
		return nil, n.fsys.errno("readdir", n.path(), err)
	}
	var entries []fuse.DirEntry
	for e := range seq {
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: kindMode(e.Attributes.Kind)})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := n.fsys.caller(ctx)
	p := childPath(n.path(), name)
	a, err := n.fsys.engine.Mkdir(ctx, c, p, mode&types.ModeMask)
	if err != nil {
		return nil, n.fsys.errno("mkdir", p, err)
	}
	n.fsys.keepRawName(ctx, c, p, name)
	return n.newChild(ctx, a, out), 0
}

// Create creates and opens a file in one engine call.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	c := n.fsys.caller(ctx)
	p := childPath(n.path(), name)

	opts := openOptions(flags)
	opts.Create = true
	opts.Exclusive = flags&syscall.O_EXCL != 0
	opts.Mode = mode & types.ModeMask

	id, a, err := n.fsys.engine.Create(ctx, c, p, opts)
	if err != nil {
		return nil, nil, 0, n.fsys.errno("create", p, err)
	}
	n.fsys.stats.opens.Add(1)
	n.fsys.keepRawName(ctx, c, p, name)
	// The page cache is shared by every branch, so reads always go to
	// the engine.
	return n.newChild(ctx, a, out), &FileHandle{fsys: n.fsys, id: id, caller: c}, fuse.FOPEN_DIRECT_IO, 0
}

// Open opens a file
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	c := n.fsys.caller(ctx)
	id, err := n.fsys.engine.Open(ctx, c, n.path(), openOptions(flags))
	if err != nil {
		return nil, 0, n.fsys.errno("open", n.path(), err)
	}
	n.fsys.stats.opens.Add(1)
	return &FileHandle{fsys: n.fsys, id: id, caller: c}, fuse.FOPEN_DIRECT_IO, 0
}

// Unlink removes a file or symlink
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := childPath(n.path(), name)
	return n.fsys.errno("unlink", p, n.fsys.engine.Unlink(ctx, n.fsys.caller(ctx), p))
}

// Rmdir removes an empty directory
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := childPath(n.path(), name)
	return n.fsys.errno("rmdir", p, n.fsys.engine.Rmdir(ctx, n.fsys.caller(ctx), p))
}

// Rename implements rename(2) and renameat2 with RENAME_NOREPLACE.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&renameExchange != 0 {
		return syscall.EINVAL
	}
	src := childPath(n.path(), name)
	dst := childPath("/"+newParent.EmbeddedInode().Path(nil), newName)
	opts := types.RenameOptions{Overwrite: flags&renameNoReplace == 0}
	return n.fsys.errno("rename", src, n.fsys.engine.Rename(ctx, n.fsys.caller(ctx), src, dst, opts))
}

// Symlink creates a symbolic link
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := n.fsys.caller(ctx)
	p := childPath(n.path(), name)
	a, err := n.fsys.engine.Symlink(ctx, c, target, p)
	if err != nil {
		return nil, n.fsys.errno("symlink", p, err)
	}
	n.fsys.keepRawName(ctx, c, p, name)
	return n.newChild(ctx, a, out), 0
}

// Readlink reads a symlink target
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.engine.Readlink(ctx, n.fsys.caller(ctx), n.path())
	if err != nil {
		return nil, n.fsys.errno("readlink", n.path(), err)
	}
	return []byte(target), 0
}

// Getxattr reads an extended attribute. A short dest gets the size and
// ERANGE.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	v, err := n.fsys.engine.XattrGet(ctx, n.fsys.caller(ctx), n.path(), attr)
	if err != nil {
		return 0, n.fsys.fail("getxattr", n.path(), err, xattrErrno(err))
	}
	if len(dest) < len(v) {
		return safeIntToUint32(len(v)), syscall.ERANGE
	}
	return safeIntToUint32(copy(dest, v)), 0
}

// Setxattr honors XATTR_CREATE and XATTR_REPLACE.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	c := n.fsys.caller(ctx)
	p := n.path()
	if flags&(xattrCreate|xattrReplace) != 0 {
		_, err := n.fsys.engine.XattrGet(ctx, c, p, attr)
		exists := err == nil
		switch {
		case err != nil && !errors.IsCode(err, errors.ErrCodeNotFound):
			return n.fsys.fail("setxattr", p, err, xattrErrno(err))
		case flags&xattrCreate != 0 && exists:
			return syscall.EEXIST
		case flags&xattrReplace != 0 && !exists:
			return errNoAttr
		}
	}
	if err := n.fsys.engine.XattrSet(ctx, c, p, attr, data); err != nil {
		return n.fsys.fail("setxattr", p, err, xattrErrno(err))
	}
	return 0
}

// Listxattr writes NUL-terminated names to dest.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fsys.engine.XattrList(ctx, n.fsys.caller(ctx), n.path())
	if err != nil {
		return 0, n.fsys.errno("listxattr", n.path(), err)
	}
	size := 0
	for _, name := range names {
		size += len(name) + 1
	}
	if len(dest) < size {
		return safeIntToUint32(size), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(dest[off:], name)
		dest[off] = 0
		off++
	}
	return safeIntToUint32(size), 0
}

// Removexattr removes an extended attribute
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	err := n.fsys.engine.XattrRemove(ctx, n.fsys.caller(ctx), n.path(), attr)
	if err != nil {
		return n.fsys.fail("removexattr", n.path(), err, xattrErrno(err))
	}
	return 0
}

// xattr flags from <sys/xattr.h>.
const (
	xattrCreate  = 0x1
	xattrReplace = 0x2
)

// FileHandle is an engine handle. It keeps the caller that opened it:
// release and flush may arrive from another process.
type FileHandle struct {
	fsys   *FileSystem
	id     types.HandleID
	caller types.Caller
}

var (
	_ fs.FileReader    = (*FileHandle)(nil)
	_ fs.FileWriter    = (*FileHandle)(nil)
	_ fs.FileReleaser  = (*FileHandle)(nil)
	_ fs.FileGetattrer = (*FileHandle)(nil)
	_ fs.FileGetlker   = (*FileHandle)(nil)
	_ fs.FileSetlker   = (*FileHandle)(nil)
	_ fs.FileSetlkwer  = (*FileHandle)(nil)
)

// Read reads data from the file
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.fsys.stats.reads.Add(1)
	data, err := fh.fsys.engine.Read(ctx, fh.caller, fh.id, off, len(dest))
	if err != nil {
		return nil, fh.fsys.errno("read", "", err)
	}
	fh.fsys.stats.bytesRead.Add(int64(len(data)))
	return fuse.ReadResultData(data), 0
}

// Write writes data to the file
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	fh.fsys.stats.writes.Add(1)
	n, err := fh.fsys.engine.Write(ctx, fh.caller, fh.id, off, data)
	if err != nil {
		return 0, fh.fsys.errno("write", "", err)
	}
	fh.fsys.stats.bytesWritten.Add(int64(n))
	return safeIntToUint32(n), 0
}

// Release releases the file handle
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return fh.fsys.errno("release", "", fh.fsys.engine.Close(ctx, fh.caller, fh.id))
}

// Getattr is fstat through the handle's branch.
func (fh *FileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	a, err := fh.fsys.engine.HandleGetAttrs(ctx, fh.caller, fh.id)
	if err != nil {
		return fh.fsys.errno("fgetattr", "", err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

// Getlk reports the first lock that would block lk.
func (fh *FileHandle) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	r, unlock := lockRange(lk)
	if unlock {
		return syscall.EINVAL
	}
	held, conflict, err := fh.fsys.engine.TestLock(ctx, fh.caller, fh.id, r)
	if err != nil {
		return fh.fsys.errno("getlk", "", err)
	}
	if !conflict {
		*out = *lk
		out.Typ = syscall.F_UNLCK
		return 0
	}
	fillLock(out, held)
	return 0
}

// Setlk acquires or releases a lock without waiting.
func (fh *FileHandle) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	r, unlock := lockRange(lk)
	if unlock {
		return fh.fsys.errno("unlock", "", fh.fsys.engine.Unlock(ctx, fh.caller, fh.id, r))
	}
	return fh.fsys.errno("setlk", "", fh.fsys.engine.Lock(ctx, fh.caller, fh.id, r))
}

// Setlkw polls a contended lock until it is granted, the request is
// interrupted or the configured wait runs out.
func (fh *FileHandle) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	r, unlock := lockRange(lk)
	if unlock {
		return fh.Setlk(ctx, owner, lk, flags)
	}
	err := fh.fsys.lockRetry.DoWithContext(ctx, func(ctx context.Context) error {
		return fh.fsys.engine.Lock(ctx, fh.caller, fh.id, r)
	})
	if err != nil && ctx.Err() != nil {
		return syscall.EINTR
	}
	return fh.fsys.errno("setlkw", "", err)
}
