// Package snapshot keeps the registry of immutable tree captures.
//
// A snapshot is nothing more than a retained root: capturing is O(1) and
// relies on the tree never mutating a published node. The registry tracks
// lineage and how many branches were created from each snapshot, and
// refuses to delete a snapshot while any such branch is alive.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// Config configures a Registry.
type Config struct {
	// MaxSnapshots bounds the number of live snapshots; zero is unlimited.
	MaxSnapshots int
	Logger       *zap.Logger
}

type entry struct {
	info       types.SnapshotInfo
	root       *tree.Node
	seq        uint64
	dependents int
}

// Registry owns every snapshot root.
type Registry struct {
	tree   *tree.Tree
	max    int
	logger *zap.Logger

	mu     sync.RWMutex
	byID   map[types.SnapshotID]*entry
	byName map[string]types.SnapshotID
	seq    uint64
}

// New creates an empty registry over t.
func New(t *tree.Tree, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tree:   t,
		max:    cfg.MaxSnapshots,
		logger: logger.Named("snapshot"),
		byID:   make(map[types.SnapshotID]*entry),
		byName: make(map[string]types.SnapshotID),
	}
}

// Create captures root, which the caller keeps pinned for the duration of
// the call. The registry takes its own reference.
func (r *Registry) Create(branch types.BranchID, parent types.SnapshotID, name string, root *tree.Node) (types.SnapshotInfo, error) {
	if name != "" {
		if err := utils.ValidateName(name); err != nil {
			return types.SnapshotInfo{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.byID) >= r.max {
		return types.SnapshotInfo{}, errors.Newf(errors.ErrCodeResourceLimit, "snapshot limit of %d reached", r.max)
	}
	if name != "" {
		if _, taken := r.byName[name]; taken {
			return types.SnapshotInfo{}, errors.Newf(errors.ErrCodeAlreadyExists, "snapshot %q already exists", name)
		}
	}
	if _, ok := r.byID[parent]; !ok {
		// lineage only points at snapshots that still exist
		parent = ""
	}

	r.seq++
	e := &entry{
		info: types.SnapshotInfo{
			ID:      types.SnapshotID(uuid.NewString()),
			Name:    name,
			Parent:  parent,
			Branch:  branch,
			Created: time.Now(),
		},
		root: root,
		seq:  r.seq,
	}
	r.tree.Retain(root)
	r.byID[e.info.ID] = e
	if name != "" {
		r.byName[name] = e.info.ID
	}

	r.logger.Info("Snapshot created",
		zap.String("id", string(e.info.ID)),
		zap.String("name", name),
		zap.String("branch", string(branch)))
	return e.info, nil
}

// Get returns the metadata of one snapshot.
func (r *Registry) Get(id types.SnapshotID) (types.SnapshotInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return types.SnapshotInfo{}, notFound(id)
	}
	return e.info, nil
}

// Lookup resolves a snapshot by id or, failing that, by name.
func (r *Registry) Lookup(idOrName string) (types.SnapshotInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byID[types.SnapshotID(idOrName)]; ok {
		return e.info, nil
	}
	if id, ok := r.byName[idOrName]; ok {
		return r.byID[id].info, nil
	}
	return types.SnapshotInfo{}, notFound(types.SnapshotID(idOrName))
}

// List returns all snapshots ordered by creation.
func (r *Registry) List() []types.SnapshotInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]types.SnapshotInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}

// Len returns the number of live snapshots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Acquire returns the root of a snapshot with a reference the caller must
// release through the tree. The root stays readable even if the snapshot
// is deleted meanwhile.
func (r *Registry) Acquire(id types.SnapshotID) (*tree.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	r.tree.Retain(e.root)
	return e.root, nil
}

// Depend records a branch created from the snapshot and returns its root
// with a reference owned by that branch. Delete refuses the snapshot until
// Undepend is called.
func (r *Registry) Depend(id types.SnapshotID) (*tree.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	e.dependents++
	r.tree.Retain(e.root)
	return e.root, nil
}

// Undepend drops a dependency recorded by Depend. The branch releases its
// root itself.
func (r *Registry) Undepend(id types.SnapshotID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok && e.dependents > 0 {
		e.dependents--
	}
}

// Delete removes a snapshot and releases its root. Nodes and contents
// shared with other snapshots or branches stay alive.
func (r *Registry) Delete(id types.SnapshotID) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	if e.dependents > 0 {
		r.mu.Unlock()
		return errors.Newf(errors.ErrCodeInUse, "snapshot %s is the origin of %d branches", id, e.dependents).
			WithDetail("dependents", e.dependents)
	}
	delete(r.byID, id)
	if e.info.Name != "" {
		delete(r.byName, e.info.Name)
	}
	for _, other := range r.byID {
		if other.info.Parent == id {
			other.info.Parent = e.info.Parent
		}
	}
	r.mu.Unlock()

	r.tree.Release(e.root)
	r.logger.Info("Snapshot deleted", zap.String("id", string(id)))
	return nil
}

// Close releases every snapshot root.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.byID
	r.byID = make(map[types.SnapshotID]*entry)
	r.byName = make(map[string]types.SnapshotID)
	r.mu.Unlock()

	for _, e := range entries {
		r.tree.Release(e.root)
	}
}

func notFound(id types.SnapshotID) error {
	return errors.Newf(errors.ErrCodeNotFound, "snapshot %s not found", id)
}
