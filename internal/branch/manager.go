package branch

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/snapshot"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// Config configures a Manager.
type Config struct {
	// MaxBranches bounds the number of branches, the default branch
	// included; zero is unlimited.
	MaxBranches int
	Logger      *zap.Logger
}

// Manager owns every branch. The default branch exists from construction
// until Close and cannot be deleted.
type Manager struct {
	tree      *tree.Tree
	snapshots *snapshot.Registry
	max       int
	logger    *zap.Logger

	mu       sync.RWMutex
	branches map[types.BranchID]*Branch
	names    map[string]types.BranchID
	order    map[types.BranchID]uint64
	seq      uint64
	def      *Branch
}

// NewManager creates a manager whose default branch starts at root. The
// manager takes over the caller's reference to root.
func NewManager(t *tree.Tree, snapshots *snapshot.Registry, root *tree.Node, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		tree:      t,
		snapshots: snapshots,
		max:       cfg.MaxBranches,
		logger:    logger.Named("branch"),
		branches:  make(map[types.BranchID]*Branch),
		names:     make(map[string]types.BranchID),
		order:     make(map[types.BranchID]uint64),
	}
	m.def = newBranch(t, types.DefaultBranch, string(types.DefaultBranch), "", "", root)
	m.branches[m.def.id] = m.def
	m.names[m.def.name] = m.def.id
	m.order[m.def.id] = 0
	return m
}

// Default returns the branch observed by unbound processes.
func (m *Manager) Default() *Branch { return m.def }

// Get returns a live branch.
func (m *Manager) Get(id types.BranchID) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[id]
	if !ok {
		return nil, notFound(id)
	}
	return b, nil
}

// Lookup resolves a branch by id or, failing that, by name.
func (m *Manager) Lookup(idOrName string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.branches[types.BranchID(idOrName)]; ok {
		return b, nil
	}
	if id, ok := m.names[idOrName]; ok {
		return m.branches[id], nil
	}
	return nil, notFound(types.BranchID(idOrName))
}

// CreateFromSnapshot creates a branch sharing the snapshot's root.
func (m *Manager) CreateFromSnapshot(id types.SnapshotID, name string) (*Branch, error) {
	if err := m.checkName(name); err != nil {
		return nil, err
	}
	root, err := m.snapshots.Depend(id)
	if err != nil {
		return nil, err
	}
	b, err := m.add(name, id, "", root)
	if err != nil {
		m.tree.Release(root)
		m.snapshots.Undepend(id)
		return nil, err
	}
	return b, nil
}

// CreateFromBranch creates a branch sharing the current root of src. The
// root is pinned with writers on src excluded, so the new branch starts
// from a committed state.
func (m *Manager) CreateFromBranch(src *Branch, name string) (*Branch, error) {
	if err := m.checkName(name); err != nil {
		return nil, err
	}
	var root *tree.Node
	err := src.View(func(r *tree.Node) error {
		m.tree.Retain(r)
		root = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	b, err := m.add(name, "", src.id, root)
	if err != nil {
		m.tree.Release(root)
		return nil, err
	}
	return b, nil
}

func (m *Manager) checkName(name string) error {
	if name == "" {
		return nil
	}
	return utils.ValidateName(name)
}

func (m *Manager) add(name string, origin types.SnapshotID, parent types.BranchID, root *tree.Node) (*Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.max > 0 && len(m.branches) >= m.max {
		return nil, errors.Newf(errors.ErrCodeResourceLimit, "branch limit of %d reached", m.max)
	}
	if name != "" {
		if _, taken := m.names[name]; taken {
			return nil, errors.Newf(errors.ErrCodeAlreadyExists, "branch %q already exists", name)
		}
	}

	b := newBranch(m.tree, types.BranchID(uuid.NewString()), name, origin, parent, root)
	m.seq++
	m.branches[b.id] = b
	m.order[b.id] = m.seq
	if name != "" {
		m.names[name] = b.id
	}

	m.logger.Info("Branch created",
		zap.String("id", string(b.id)),
		zap.String("name", name),
		zap.String("origin", string(origin)),
		zap.String("parent", string(parent)))
	return b, nil
}

// List returns all branches in creation order, the default branch first.
func (m *Manager) List() []types.BranchInfo {
	m.mu.RLock()
	bs := make([]*Branch, 0, len(m.branches))
	order := make(map[*Branch]uint64, len(m.branches))
	for id, b := range m.branches {
		bs = append(bs, b)
		order[b] = m.order[id]
	}
	m.mu.RUnlock()

	sort.Slice(bs, func(i, j int) bool { return order[bs[i]] < order[bs[j]] })
	out := make([]types.BranchInfo, len(bs))
	for i, b := range bs {
		out[i] = b.Info()
	}
	return out
}

// Len returns the number of branches.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.branches)
}

// Bind records a process bound to the branch. It fails once the branch
// has been deleted.
func (m *Manager) Bind(b *Branch) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b.deleted {
		return notFound(b.id)
	}
	b.bound.Add(1)
	return nil
}

// Unbind reverses Bind.
func (m *Manager) Unbind(b *Branch) {
	b.bound.Add(-1)
}

// OpenHandle records a handle opened on the branch. It fails once the
// branch has been deleted.
func (m *Manager) OpenHandle(b *Branch) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b.deleted {
		return notFound(b.id)
	}
	b.handles.Add(1)
	return nil
}

// CloseHandle reverses OpenHandle.
func (m *Manager) CloseHandle(b *Branch) {
	b.handles.Add(-1)
}

// Delete removes a branch that has no bound process and no open handle,
// and releases its root.
func (m *Manager) Delete(id types.BranchID) error {
	if id == types.DefaultBranch {
		return errors.NewError(errors.ErrCodeInvalidArgument, "the default branch cannot be deleted")
	}

	m.mu.Lock()
	b, ok := m.branches[id]
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	if n := b.bound.Load(); n > 0 {
		m.mu.Unlock()
		return errors.Newf(errors.ErrCodeInUse, "branch %s has %d bound processes", id, n)
	}
	if n := b.handles.Load(); n > 0 {
		m.mu.Unlock()
		return errors.Newf(errors.ErrCodeInUse, "branch %s has %d open handles", id, n)
	}
	b.deleted = true
	delete(m.branches, id)
	delete(m.order, id)
	if b.name != "" {
		delete(m.names, b.name)
	}
	m.mu.Unlock()

	b.release()
	if b.origin != "" {
		m.snapshots.Undepend(b.origin)
	}
	m.logger.Info("Branch deleted", zap.String("id", string(id)))
	return nil
}

// Close releases every branch root, the default branch included.
func (m *Manager) Close() {
	m.mu.Lock()
	bs := m.branches
	m.branches = make(map[types.BranchID]*Branch)
	m.names = make(map[string]types.BranchID)
	m.order = make(map[types.BranchID]uint64)
	for _, b := range bs {
		b.deleted = true
	}
	m.mu.Unlock()

	for _, b := range bs {
		b.release()
		if b.origin != "" {
			m.snapshots.Undepend(b.origin)
		}
	}
}

func notFound(id types.BranchID) error {
	return errors.Newf(errors.ErrCodeNotFound, "branch %s not found", id)
}
