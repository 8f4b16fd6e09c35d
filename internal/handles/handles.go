package handles

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/branch"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// Config configures a Manager.
type Config struct {
	// MaxOpenHandles bounds open handles across all branches; zero is
	// unlimited.
	MaxOpenHandles int
	Policy         Policy
	Logger         *zap.Logger
}

// Handle is an open file or directory. It stays on the branch it was
// opened on, whatever the owning process binds to afterwards.
type Handle struct {
	id     types.HandleID
	pid    uint32
	opts   types.OpenOptions
	access Access
	branch *branch.Branch
	file   *openFile
	closed atomic.Bool
}

// ID returns the handle id.
func (h *Handle) ID() types.HandleID { return h.id }

// Branch returns the branch the handle was opened on.
func (h *Handle) Branch() *branch.Branch { return h.branch }

// Options returns the options the handle was opened with.
func (h *Handle) Options() types.OpenOptions { return h.opts }

// Ino returns the inode number of the open node.
func (h *Handle) Ino() uint64 { return h.file.ino }

// openFile is the state shared by all handles on one inode of one branch.
// While the file is linked, keys is its current path, kept up to date on
// rename. Once unlinked it is pending delete: orphan holds the last
// version and keys is nil. The orphan is released with the last handle.
type openFile struct {
	branch *branch.Branch
	ino    uint64

	mu            sync.Mutex
	keys          []string
	orphan        *tree.Node
	handles       map[types.HandleID]*Handle
	locks         lockTable
	deleteOnClose bool
	dead          bool
}

func (f *openFile) accesses(except types.HandleID) []Access {
	out := make([]Access, 0, len(f.handles))
	for id, h := range f.handles {
		if id != except {
			out = append(out, h.access)
		}
	}
	return out
}

// Manager is the handle table. Lock order: branch lock, then mu, then
// openFile.mu.
type Manager struct {
	tree     *tree.Tree
	branches *branch.Manager
	policy   Policy
	max      int64
	logger   *zap.Logger

	nextID  atomic.Uint64
	count   atomic.Int64
	handles sync.Map // types.HandleID -> *Handle

	mu    sync.Mutex
	files map[types.BranchID]map[uint64]*openFile
}

// New creates an empty handle table.
func New(t *tree.Tree, branches *branch.Manager, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = PosixPolicy{}
	}
	return &Manager{
		tree:     t,
		branches: branches,
		policy:   policy,
		max:      int64(cfg.MaxOpenHandles),
		logger:   logger.Named("handles"),
		files:    make(map[types.BranchID]map[uint64]*openFile),
	}
}

// Count returns the number of open handles.
func (m *Manager) Count() int64 { return m.count.Load() }

// Open registers a handle on n, found at keys on b. It must be called
// with the branch lock held, inside View or Update, so that the path
// cannot change before the handle is indexed.
func (m *Manager) Open(b *branch.Branch, pid uint32, keys []string, n *tree.Node, opts types.OpenOptions) (*Handle, error) {
	r, err := m.Reserve(b)
	if err != nil {
		return nil, err
	}
	h, err := r.Open(pid, keys, n, opts)
	if err != nil {
		r.Cancel()
		return nil, err
	}
	return h, nil
}

// Reservation is a handle slot taken before the file it will open exists.
// Opening a file nobody else has open cannot fail once the slot is held,
// which lets a transaction create a file and open it without a failure
// after the tree was modified.
type Reservation struct {
	m    *Manager
	b    *branch.Branch
	done bool
}

// Reserve takes a handle slot on b, checking the handle limit and that
// the branch still exists.
func (m *Manager) Reserve(b *branch.Branch) (*Reservation, error) {
	if c := m.count.Add(1); m.max > 0 && c > m.max {
		m.count.Add(-1)
		return nil, errors.Newf(errors.ErrCodeResourceLimit, "open handle limit of %d reached", m.max)
	}
	if err := m.branches.OpenHandle(b); err != nil {
		m.count.Add(-1)
		return nil, err
	}
	return &Reservation{m: m, b: b}, nil
}

// Cancel gives the slot back unless it was used.
func (r *Reservation) Cancel() {
	if r.done {
		return
	}
	r.done = true
	r.m.branches.CloseHandle(r.b)
	r.m.count.Add(-1)
}

// Open uses the slot for a handle on n at keys. Only the admission policy
// can refuse it, and only when other handles are open on n; the slot
// stays reserved on failure. The branch lock rules of Manager.Open apply.
func (r *Reservation) Open(pid uint32, keys []string, n *tree.Node, opts types.OpenOptions) (*Handle, error) {
	if r.done {
		return nil, errors.NewError(errors.ErrCodeInternalError, "handle reservation already used")
	}
	m, b := r.m, r.b
	h := &Handle{
		id:     types.HandleID(m.nextID.Add(1)),
		pid:    pid,
		opts:   opts,
		access: accessOf(opts),
		branch: b,
	}

	m.mu.Lock()
	byIno := m.files[b.ID()]
	if byIno == nil {
		byIno = make(map[uint64]*openFile)
		m.files[b.ID()] = byIno
	}
	f := byIno[n.Ino()]
	if f == nil {
		f = &openFile{branch: b, ino: n.Ino(), handles: make(map[types.HandleID]*Handle)}
		byIno[n.Ino()] = f
	}
	f.mu.Lock()
	m.mu.Unlock()

	if err := m.policy.AdmitOpen(h.access, f.accesses(0)); err != nil {
		empty := len(f.handles) == 0
		f.mu.Unlock()
		if empty {
			m.finish(f)
		}
		return nil, err
	}
	f.keys = append([]string(nil), keys...)
	f.handles[h.id] = h
	if opts.DeleteOnClose {
		f.deleteOnClose = true
	}
	h.file = f
	f.mu.Unlock()
	r.done = true

	m.handles.Store(h.id, h)
	m.logger.Debug("Handle opened",
		zap.Uint64("handle", uint64(h.id)),
		zap.Uint64("ino", n.Ino()),
		zap.String("branch", string(b.ID())))
	return h, nil
}

// Get returns an open handle.
func (m *Manager) Get(id types.HandleID) (*Handle, error) {
	v, ok := m.handles.Load(id)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown handle %d", id)
	}
	return v.(*Handle), nil
}

// AdmitRemove asks the policy whether the file ino on b may be unlinked,
// renamed or replaced. Call it inside the branch transaction.
func (m *Manager) AdmitRemove(b types.BranchID, ino uint64) error {
	f := m.lookup(b, ino)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return m.policy.AdmitRemove(f.accesses(0))
}

// Detach is called inside the branch transaction that unlinked or
// replaced n. If handles are open on it the file becomes pending delete
// and keeps n alive until the last close.
func (m *Manager) Detach(b types.BranchID, n *tree.Node) {
	m.mu.Lock()
	f := m.files[b][n.Ino()]
	if f != nil {
		delete(m.files[b], n.Ino())
	}
	m.mu.Unlock()
	if f == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 || f.orphan != nil {
		return
	}
	m.tree.Retain(n)
	f.orphan = n
	f.keys = nil
	m.logger.Debug("Open file unlinked, pending delete", zap.Uint64("ino", n.Ino()))
}

// Renamed rewrites the paths of open files under src to dst. Both are
// lookup keys. Call it inside the branch transaction that renamed.
func (m *Manager) Renamed(b types.BranchID, src, dst []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files[b] {
		f.mu.Lock()
		if f.keys != nil && utils.HasPathPrefix(f.keys, src) {
			keys := make([]string, 0, len(dst)+len(f.keys)-len(src))
			keys = append(keys, dst...)
			keys = append(keys, f.keys[len(src):]...)
			f.keys = keys
		}
		f.mu.Unlock()
	}
}

// Pin returns the current version of the handle's node and a function
// releasing it. Linked files are found through a pinned root without
// taking the branch lock; if a concurrent rename or unlink moved the file
// the lookup is retried under the lock.
func (m *Manager) Pin(h *Handle) (*tree.Node, func(), error) {
	if h.closed.Load() {
		return nil, nil, staleHandle(h.id)
	}
	f := h.file

	f.mu.Lock()
	if n := f.orphan; n != nil {
		m.tree.Retain(n)
		f.mu.Unlock()
		return n, func() { m.tree.Release(n) }, nil
	}
	keys := f.keys
	f.mu.Unlock()

	root, err := h.branch.Acquire()
	if err != nil {
		return nil, nil, err
	}
	if n, err := m.tree.LookupKeys(root, keys); err == nil && n.Ino() == f.ino {
		return n, func() { m.tree.Release(root) }, nil
	}
	m.tree.Release(root)

	var (
		out     *tree.Node
		release func()
	)
	err = h.branch.View(func(root *tree.Node) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if n := f.orphan; n != nil {
			m.tree.Retain(n)
			out, release = n, func() { m.tree.Release(n) }
			return nil
		}
		n, err := m.tree.LookupKeys(root, f.keys)
		if err != nil || n.Ino() != f.ino {
			return staleHandle(h.id)
		}
		m.tree.Retain(root)
		out, release = n, func() { m.tree.Release(root) }
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, release, nil
}

// Read reads from the handle's stream.
func (m *Manager) Read(ctx context.Context, h *Handle, offset int64, size int) ([]byte, error) {
	if !h.opts.Read {
		return nil, errors.NewError(errors.ErrCodeAccessDenied, "handle not opened for reading")
	}
	if offset < 0 || size < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid read range %d+%d", offset, size)
	}
	n, release, err := m.Pin(h)
	if err != nil {
		return nil, err
	}
	defer release()
	data, err := m.tree.ReadStream(ctx, n, h.opts.Stream, offset, size)
	if h.opts.Stream != "" && errors.IsCode(err, errors.ErrCodeNotFound) {
		// named streams opened for creation appear with their first write
		return []byte{}, nil
	}
	return data, err
}

// Attributes returns the attributes of the handle's node.
func (m *Manager) Attributes(h *Handle) (types.Attributes, error) {
	n, release, err := m.Pin(h)
	if err != nil {
		return types.Attributes{}, err
	}
	defer release()
	a := m.tree.Attributes(n)
	if h.opts.Stream != "" {
		a.Size = m.tree.StreamSize(n, h.opts.Stream)
	}
	return a, nil
}

// Write writes data at offset, or at the end of the stream for append
// handles, and returns the offset written at.
func (m *Manager) Write(ctx context.Context, c types.Caller, h *Handle, offset int64, data []byte) (int64, error) {
	if !h.opts.Write && !h.opts.Append {
		return 0, errors.NewError(errors.ErrCodeAccessDenied, "handle not opened for writing")
	}
	if offset < 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "invalid write offset %d", offset)
	}
	err := m.edit(ctx, c, h, func(n *tree.Node) tree.Edit {
		if h.opts.Append {
			offset = m.tree.StreamSize(n, h.opts.Stream)
		}
		return tree.Edit{Offset: offset, Data: data}
	})
	return offset, err
}

// Truncate sets the size of the handle's stream.
func (m *Manager) Truncate(ctx context.Context, c types.Caller, h *Handle, size int64) error {
	if !h.opts.Write && !h.opts.Append {
		return errors.NewError(errors.ErrCodeAccessDenied, "handle not opened for writing")
	}
	if size < 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "invalid size %d", size)
	}
	return m.edit(ctx, c, h, func(*tree.Node) tree.Edit {
		return tree.Edit{Truncate: true, Size: size}
	})
}

// edit applies a content change through the branch so that it is ordered
// with every other mutation there. Pending-delete files are edited
// detached from any tree.
func (m *Manager) edit(ctx context.Context, c types.Caller, h *Handle, mk func(n *tree.Node) tree.Edit) error {
	if h.closed.Load() {
		return staleHandle(h.id)
	}
	f := h.file
	return h.branch.Update(ctx, c, func(x *tree.Txn) error {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.orphan != nil {
			n, err := m.tree.EditDetached(ctx, c, f.orphan, h.opts.Stream, mk(f.orphan))
			if err != nil {
				return err
			}
			m.tree.Release(f.orphan)
			f.orphan = n
			return nil
		}

		cur, err := x.LookupKeys(f.keys)
		if err != nil || cur.Ino() != f.ino {
			return staleHandle(h.id)
		}
		_, err = x.EditStream(f.keys, f.ino, h.opts.Stream, mk(cur))
		return err
	})
}

// Lock takes a byte-range lock without blocking; a conflicting lock held
// through another handle fails with LOCKED.
func (m *Manager) Lock(h *Handle, rng types.LockRange) error {
	if err := checkRange(rng); err != nil {
		return err
	}
	if h.closed.Load() {
		return staleHandle(h.id)
	}
	f := h.file
	f.mu.Lock()
	defer f.mu.Unlock()
	locks, err := f.locks.lock(h.id, rng)
	if err != nil {
		return err
	}
	f.locks = locks
	return nil
}

// Unlock releases the handle's locks within rng.
func (m *Manager) Unlock(h *Handle, rng types.LockRange) error {
	if rng.Kind == 0 {
		rng.Kind = types.LockShared
	}
	if err := checkRange(rng); err != nil {
		return err
	}
	if h.closed.Load() {
		return staleHandle(h.id)
	}
	f := h.file
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = f.locks.unlock(h.id, rng)
	return nil
}

// TestLock reports a lock held through another handle that conflicts with
// rng, without acquiring anything.
func (m *Manager) TestLock(h *Handle, rng types.LockRange) (types.LockRange, bool, error) {
	if err := checkRange(rng); err != nil {
		return types.LockRange{}, false, err
	}
	if h.closed.Load() {
		return types.LockRange{}, false, staleHandle(h.id)
	}
	f := h.file
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks.conflict(h.id, rng)
	return l.rng, ok, nil
}

// Close closes a handle and drops its locks. When the last handle of a
// file closes, a pending-delete file is reclaimed and a file opened with
// delete-on-close is unlinked; the unlinked path is returned.
func (m *Manager) Close(ctx context.Context, c types.Caller, h *Handle) (string, error) {
	f, last, ok := m.detachHandle(h)
	if !ok {
		return "", staleHandle(h.id)
	}
	defer func() {
		m.branches.CloseHandle(h.branch)
		m.count.Add(-1)
	}()

	f.mu.Lock()
	unlink := last && f.deleteOnClose && f.orphan == nil
	f.mu.Unlock()

	var (
		removed string
		err     error
	)
	if unlink {
		removed, err = m.deleteOnClose(ctx, c, f)
	}
	if last {
		m.finish(f)
	}
	return removed, err
}

// Abandon closes a handle whose opening transaction failed afterwards. It
// never unlinks anything and may be called with the branch lock held.
func (m *Manager) Abandon(h *Handle) {
	f, last, ok := m.detachHandle(h)
	if !ok {
		return
	}
	if last {
		m.finish(f)
	}
	m.branches.CloseHandle(h.branch)
	m.count.Add(-1)
}

func (m *Manager) detachHandle(h *Handle) (*openFile, bool, bool) {
	if !h.closed.CompareAndSwap(false, true) {
		return nil, false, false
	}
	m.handles.Delete(h.id)

	f := h.file
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, h.id)
	f.locks = f.locks.drop(h.id)
	return f, len(f.handles) == 0, true
}

func (m *Manager) deleteOnClose(ctx context.Context, c types.Caller, f *openFile) (string, error) {
	var removed string
	err := f.branch.Update(ctx, c, func(x *tree.Txn) error {
		f.mu.Lock()
		if len(f.handles) > 0 || f.orphan != nil {
			// reopened meanwhile; the new last close decides
			f.mu.Unlock()
			return nil
		}
		keys := f.keys
		f.mu.Unlock()

		n, err := x.LookupKeys(keys)
		if err != nil || n.Ino() != f.ino {
			return nil
		}
		if _, err := x.Remove(keys, n.IsDir()); err != nil {
			return err
		}
		removed = utils.JoinPath(keys)
		return nil
	})
	if err != nil {
		m.logger.Warn("Delete on close failed", zap.Uint64("ino", f.ino), zap.Error(err))
	}
	return removed, err
}

// finish retires f once no handle is left on it.
func (m *Manager) finish(f *openFile) {
	m.mu.Lock()
	f.mu.Lock()
	if len(f.handles) > 0 || f.dead {
		f.mu.Unlock()
		m.mu.Unlock()
		return
	}
	f.dead = true
	if byIno := m.files[f.branch.ID()]; byIno[f.ino] == f {
		delete(byIno, f.ino)
		if len(byIno) == 0 {
			delete(m.files, f.branch.ID())
		}
	}
	orphan := f.orphan
	f.orphan = nil
	f.mu.Unlock()
	m.mu.Unlock()

	if orphan != nil {
		m.tree.Release(orphan)
		m.logger.Debug("Pending delete file reclaimed", zap.Uint64("ino", f.ino))
	}
}

func (m *Manager) lookup(b types.BranchID, ino uint64) *openFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[b][ino]
}

// CloseAll closes every handle, for engine shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.handles.Range(func(_, v any) bool {
		h := v.(*Handle)
		c := types.Caller{PID: h.pid}
		if _, err := m.Close(ctx, c, h); err != nil {
			m.logger.Warn("Failed to close handle at shutdown", zap.Uint64("handle", uint64(h.id)), zap.Error(err))
		}
		return true
	})
}

func checkRange(rng types.LockRange) error {
	if rng.Kind != types.LockShared && rng.Kind != types.LockExclusive {
		return errors.Newf(errors.ErrCodeInvalidArgument, "invalid lock kind %d", rng.Kind)
	}
	return nil
}

func staleHandle(id types.HandleID) error {
	return errors.Newf(errors.ErrCodeStaleHandle, "handle %d is no longer valid", id)
}
