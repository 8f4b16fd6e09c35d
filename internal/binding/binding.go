// Package binding maps process identities to the branch they observe.
//
// The table is consulted on every engine call, so resolution is a single
// lock-free map load. Bind and Unbind are rare and serialized per table.
package binding

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/branch"
	"github.com/agentharbor/agentfs/pkg/types"
)

type entry struct {
	branch  *branch.Branch
	boundAt time.Time
}

// Table is a process binding table. Each engine owns its own table.
type Table struct {
	branches *branch.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	bindings sync.Map // uint32 -> *entry
	count    int
}

// New creates an empty table over branches.
func New(branches *branch.Manager, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{branches: branches, logger: logger.Named("binding")}
}

// Bind routes pid to the branch, replacing any previous binding. Open
// handles of the process keep their own branch.
func (t *Table) Bind(pid uint32, id types.BranchID) error {
	b, err := t.branches.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.branches.Bind(b); err != nil {
		return err
	}
	prev, loaded := t.bindings.Swap(pid, &entry{branch: b, boundAt: time.Now()})
	if loaded {
		t.branches.Unbind(prev.(*entry).branch)
	} else {
		t.count++
	}

	t.logger.Debug("Process bound", zap.Uint32("pid", pid), zap.String("branch", string(id)))
	return nil
}

// Unbind returns pid to the default branch. Unbinding an unbound process
// is not an error; the result reports whether a binding existed.
func (t *Table) Unbind(pid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, loaded := t.bindings.LoadAndDelete(pid)
	if !loaded {
		return false
	}
	t.count--
	t.branches.Unbind(prev.(*entry).branch)
	t.logger.Debug("Process unbound", zap.Uint32("pid", pid))
	return true
}

// Resolve returns the branch pid observes.
func (t *Table) Resolve(pid uint32) *branch.Branch {
	if e, ok := t.bindings.Load(pid); ok {
		return e.(*entry).branch
	}
	return t.branches.Default()
}

// Active returns the id of the branch pid observes.
func (t *Table) Active(pid uint32) types.BranchID {
	return t.Resolve(pid).ID()
}

// List returns all explicit bindings ordered by pid.
func (t *Table) List() []types.BindingInfo {
	var out []types.BindingInfo
	t.bindings.Range(func(k, v any) bool {
		e := v.(*entry)
		out = append(out, types.BindingInfo{PID: k.(uint32), Branch: e.branch.ID(), BoundAt: e.boundAt})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Len returns the number of explicit bindings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Clear drops every binding.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings.Range(func(k, v any) bool {
		t.bindings.Delete(k)
		t.branches.Unbind(v.(*entry).branch)
		return true
	})
	t.count = 0
}
