//go:build cgofuse

package fuse

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// noHandle is the fh cgofuse passes when a call has no open file.
const noHandle = ^uint64(0)

// handleTruncater is implemented by engines that can truncate through an
// open handle.
type handleTruncater interface {
	Truncate(ctx context.Context, c types.Caller, id types.HandleID, size int64) error
}

// CgoFuseFS serves the engine through cgofuse on hosts without a Linux
// FUSE device: WinFsp on Windows and macFUSE on macOS. The fh passed
// through cgofuse is the engine handle id.
type CgoFuseFS struct {
	fuse.FileSystemBase

	engine types.FileSystem
	config *Config
	logger *zap.Logger
	groups func(pid uint32) []uint32
	ready  chan struct{}

	// handle owners; release may come from a different process.
	owners handleOwners
	stats  counters
}

// NewCgoFuseFS creates a cgofuse filesystem serving engine.
func NewCgoFuseFS(engine types.FileSystem, config *Config, logger *zap.Logger) *CgoFuseFS {
	if config == nil {
		config = &Config{LockWait: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CgoFuseFS{
		engine: engine,
		config: config,
		logger: logger.Named("fuse"),
		groups: groupsOf,
		ready:  make(chan struct{}),
		owners: handleOwners{m: make(map[types.HandleID]types.Caller)},
	}
}

type handleOwners struct {
	mu sync.Mutex
	m  map[types.HandleID]types.Caller
}

func (o *handleOwners) put(id types.HandleID, c types.Caller) {
	o.mu.Lock()
	o.m[id] = c
	o.mu.Unlock()
}

// get returns the caller that opened id, or fallback for a handle this
// filesystem never saw.
func (o *handleOwners) get(id types.HandleID, fallback types.Caller) types.Caller {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.m[id]; ok {
		return c
	}
	return fallback
}

func (o *handleOwners) take(id types.HandleID, fallback types.Caller) types.Caller {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.m[id]
	if !ok {
		return fallback
	}
	delete(o.m, id)
	return c
}

// Init is called by the host once the mount is live.
func (f *CgoFuseFS) Init() {
	close(f.ready)
}

// GetStats returns current filesystem statistics
func (f *CgoFuseFS) GetStats() *FilesystemStats {
	return f.stats.snapshot()
}

func (f *CgoFuseFS) caller() types.Caller {
	uid, gid, pid := fuse.Getcontext()
	if pid <= 0 {
		return types.Caller{UID: f.config.DefaultUID, GID: f.config.DefaultGID}
	}
	p := uint32(pid)
	return types.Caller{PID: p, UID: uid, GID: gid, Groups: f.groups(p)}
}

func (f *CgoFuseFS) errno(op, path string, err error) int {
	return f.fail(op, path, err, cgoErrno(err))
}

func (f *CgoFuseFS) fail(op, path string, err error, errno int) int {
	if err == nil {
		return 0
	}
	f.stats.errors.Add(1)
	if errno == -fuse.EIO || errno == -fuse.ENOTCONN {
		f.logger.Warn("Operation failed",
			zap.String("op", op), zap.String("path", path), zap.Error(err))
	} else {
		f.logger.Debug("Operation failed",
			zap.String("op", op), zap.String("path", path), zap.Error(err))
	}
	return errno
}

func fillStat(stat *fuse.Stat_t, a types.Attributes) {
	mode := uint32(fuse.S_IFREG)
	switch a.Kind {
	case types.KindDirectory:
		mode = fuse.S_IFDIR
	case types.KindSymlink:
		mode = fuse.S_IFLNK
	}
	stat.Ino = a.Ino
	stat.Mode = mode | a.Mode
	stat.Nlink = a.Nlink
	stat.Uid = a.UID
	stat.Gid = a.GID
	stat.Size = a.Size
	stat.Blocks = (a.Allocated + 511) / 512
	stat.Atim = fuse.NewTimespec(a.Times.Accessed)
	stat.Mtim = fuse.NewTimespec(a.Times.Modified)
	stat.Ctim = fuse.NewTimespec(a.Times.Changed)
	stat.Birthtim = fuse.NewTimespec(a.Times.Created)
}

func cgoOpenOptions(flags int) types.OpenOptions {
	opts := types.OpenOptions{Share: types.ShareAll}
	switch flags & fuse.O_ACCMODE {
	case fuse.O_WRONLY:
		opts.Write = true
	case fuse.O_RDWR:
		opts.Read, opts.Write = true, true
	default:
		opts.Read = true
	}
	opts.Truncate = flags&fuse.O_TRUNC != 0
	opts.Append = flags&fuse.O_APPEND != 0
	return opts
}

// Getattr prefers the open handle so fstat sees the handle's branch.
func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	ctx := context.Background()
	var (
		a   types.Attributes
		err error
	)
	if fh != noHandle {
		a, err = f.engine.HandleGetAttrs(ctx, f.owners.get(types.HandleID(fh), f.caller()), types.HandleID(fh))
	} else {
		f.stats.lookups.Add(1)
		a, err = f.engine.GetAttrs(ctx, f.caller(), EncodeName(path))
	}
	if err != nil {
		return f.errno("getattr", path, err)
	}
	fillStat(stat, a)
	return 0
}

// Mkdir creates a new directory
func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	_, err := f.engine.Mkdir(context.Background(), f.caller(), EncodeName(path), mode&types.ModeMask)
	return f.errno("mkdir", path, err)
}

// Unlink removes a file or symlink
func (f *CgoFuseFS) Unlink(path string) int {
	return f.errno("unlink", path, f.engine.Unlink(context.Background(), f.caller(), EncodeName(path)))
}

// Rmdir removes an empty directory
func (f *CgoFuseFS) Rmdir(path string) int {
	return f.errno("rmdir", path, f.engine.Rmdir(context.Background(), f.caller(), EncodeName(path)))
}

// Rename replaces the destination, as rename(2) does.
func (f *CgoFuseFS) Rename(oldpath, newpath string) int {
	err := f.engine.Rename(context.Background(), f.caller(), EncodeName(oldpath), EncodeName(newpath),
		types.RenameOptions{Overwrite: true})
	return f.errno("rename", oldpath, err)
}

// Symlink creates a symbolic link
func (f *CgoFuseFS) Symlink(target, newpath string) int {
	_, err := f.engine.Symlink(context.Background(), f.caller(), target, EncodeName(newpath))
	return f.errno("symlink", newpath, err)
}

// Readlink reads a symlink target
func (f *CgoFuseFS) Readlink(path string) (int, string) {
	target, err := f.engine.Readlink(context.Background(), f.caller(), EncodeName(path))
	if err != nil {
		return f.errno("readlink", path, err), ""
	}
	return 0, target
}

func (f *CgoFuseFS) setAttrs(op, path string, set types.SetAttributes) int {
	_, err := f.engine.SetAttrs(context.Background(), f.caller(), EncodeName(path), set)
	return f.errno(op, path, err)
}

// Chmod changes permission bits
func (f *CgoFuseFS) Chmod(path string, mode uint32) int {
	mode &= types.ModeMask
	return f.setAttrs("chmod", path, types.SetAttributes{Mode: &mode})
}

// Chown changes ownership. cgofuse passes ^uint32(0) for an id that
// stays unchanged.
func (f *CgoFuseFS) Chown(path string, uid, gid uint32) int {
	var set types.SetAttributes
	if uid != math.MaxUint32 {
		set.UID = &uid
	}
	if gid != math.MaxUint32 {
		set.GID = &gid
	}
	return f.setAttrs("chown", path, set)
}

// Utimens sets access and modification times; no times means now.
func (f *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	atime, mtime := time.Now(), time.Now()
	if len(tmsp) == 2 {
		atime, mtime = tmsp[0].Time(), tmsp[1].Time()
	}
	return f.setAttrs("utimens", path, types.SetAttributes{Accessed: &atime, Modified: &mtime})
}

// Truncate goes through the handle when there is one.
func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if t, ok := f.engine.(handleTruncater); ok && fh != noHandle {
		id := types.HandleID(fh)
		return f.errno("ftruncate", path, t.Truncate(context.Background(), f.owners.get(id, f.caller()), id, size))
	}
	return f.setAttrs("truncate", path, types.SetAttributes{Size: &size})
}

// Create creates and opens a file in one engine call.
func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	c := f.caller()
	opts := cgoOpenOptions(flags)
	opts.Create = true
	opts.Exclusive = flags&fuse.O_EXCL != 0
	opts.Mode = mode & types.ModeMask

	id, _, err := f.engine.Create(context.Background(), c, EncodeName(path), opts)
	if err != nil {
		return f.errno("create", path, err), noHandle
	}
	f.stats.opens.Add(1)
	f.owners.put(id, c)
	return 0, uint64(id)
}

// Open opens a file
func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	c := f.caller()
	id, err := f.engine.Open(context.Background(), c, EncodeName(path), cgoOpenOptions(flags))
	if err != nil {
		return f.errno("open", path, err), noHandle
	}
	f.stats.opens.Add(1)
	f.owners.put(id, c)
	return 0, uint64(id)
}

// Read reads data from the file
func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	f.stats.reads.Add(1)
	id := types.HandleID(fh)
	data, err := f.engine.Read(context.Background(), f.owners.get(id, f.caller()), id, ofst, len(buff))
	if err != nil {
		return f.errno("read", path, err)
	}
	f.stats.bytesRead.Add(int64(len(data)))
	return copy(buff, data)
}

// Write writes data to the file
func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	f.stats.writes.Add(1)
	id := types.HandleID(fh)
	n, err := f.engine.Write(context.Background(), f.owners.get(id, f.caller()), id, ofst, buff)
	if err != nil {
		return f.errno("write", path, err)
	}
	f.stats.bytesWritten.Add(int64(n))
	return n
}

// Release closes the engine handle
func (f *CgoFuseFS) Release(path string, fh uint64) int {
	id := types.HandleID(fh)
	c := f.owners.take(id, f.caller())
	return f.errno("release", path, f.engine.Close(context.Background(), c, id))
}

// Readdir lists a directory in one pass.
func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	seq, err := f.engine.Readdir(context.Background(), f.caller(), EncodeName(path))
	if err != nil {
		return f.errno("readdir", path, err)
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	for e := range seq {
		var st fuse.Stat_t
		fillStat(&st, e.Attributes)
		if !fill(e.Name, &st, 0) {
			break
		}
	}
	return 0
}

// Getxattr reads an extended attribute
func (f *CgoFuseFS) Getxattr(path, name string) (int, []byte) {
	v, err := f.engine.XattrGet(context.Background(), f.caller(), EncodeName(path), name)
	if err != nil {
		return f.fail("getxattr", path, err, cgoXattrErrno(err)), nil
	}
	return 0, v
}

// Setxattr honors XATTR_CREATE and XATTR_REPLACE.
func (f *CgoFuseFS) Setxattr(path, name string, value []byte, flags int) int {
	ctx, c, p := context.Background(), f.caller(), EncodeName(path)
	if flags&(fuse.XATTR_CREATE|fuse.XATTR_REPLACE) != 0 {
		_, err := f.engine.XattrGet(ctx, c, p, name)
		exists := err == nil
		switch {
		case err != nil && !errors.IsCode(err, errors.ErrCodeNotFound):
			return f.fail("setxattr", path, err, cgoXattrErrno(err))
		case flags&fuse.XATTR_CREATE != 0 && exists:
			return -fuse.EEXIST
		case flags&fuse.XATTR_REPLACE != 0 && !exists:
			return -fuse.ENODATA
		}
	}
	err := f.engine.XattrSet(ctx, c, p, name, value)
	return f.fail("setxattr", path, err, cgoXattrErrno(err))
}

// Listxattr lists extended attribute names
func (f *CgoFuseFS) Listxattr(path string, fill func(name string) bool) int {
	names, err := f.engine.XattrList(context.Background(), f.caller(), EncodeName(path))
	if err != nil {
		return f.errno("listxattr", path, err)
	}
	for _, name := range names {
		if !fill(name) {
			return -fuse.ERANGE
		}
	}
	return 0
}

// Removexattr removes an extended attribute
func (f *CgoFuseFS) Removexattr(path, name string) int {
	err := f.engine.XattrRemove(context.Background(), f.caller(), EncodeName(path), name)
	return f.fail("removexattr", path, err, cgoXattrErrno(err))
}
