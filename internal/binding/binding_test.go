package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/internal/branch"
	"github.com/agentharbor/agentfs/internal/snapshot"
	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

func newTable(t *testing.T) (*Table, *branch.Manager) {
	t.Helper()
	store, err := storage.New(storage.Config{})
	require.NoError(t, err)
	tr := tree.New(store, tree.Options{})
	snaps := snapshot.New(tr, snapshot.Config{})
	mgr := branch.NewManager(tr, snaps, tr.NewRoot(0, 0, 0o755), branch.Config{})
	t.Cleanup(func() {
		mgr.Close()
		snaps.Close()
		_ = store.Close()
	})
	return New(mgr, nil), mgr
}

func TestUnboundProcessesUseDefault(t *testing.T) {
	tbl, mgr := newTable(t)
	assert.Same(t, mgr.Default(), tbl.Resolve(42))
	assert.Equal(t, types.DefaultBranch, tbl.Active(42))
	assert.False(t, tbl.Unbind(42))
}

func TestBindAndRebind(t *testing.T) {
	tbl, mgr := newTable(t)
	b1, err := mgr.CreateFromBranch(mgr.Default(), "b1")
	require.NoError(t, err)
	b2, err := mgr.CreateFromBranch(mgr.Default(), "b2")
	require.NoError(t, err)

	require.NoError(t, tbl.Bind(7, b1.ID()))
	assert.Same(t, b1, tbl.Resolve(7))
	assert.Equal(t, 1, b1.Info().BoundProcesses)

	require.NoError(t, tbl.Bind(7, b2.ID()))
	assert.Same(t, b2, tbl.Resolve(7))
	assert.Equal(t, 0, b1.Info().BoundProcesses)
	assert.Equal(t, 1, b2.Info().BoundProcesses)
	assert.Equal(t, 1, tbl.Len())

	assert.True(t, errors.IsCode(mgr.Delete(b2.ID()), errors.ErrCodeInUse))
	assert.True(t, tbl.Unbind(7))
	assert.NoError(t, mgr.Delete(b2.ID()))
	assert.Same(t, mgr.Default(), tbl.Resolve(7))
}

func TestBindUnknownBranch(t *testing.T) {
	tbl, _ := newTable(t)
	err := tbl.Bind(1, "nope")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, 0, tbl.Len())
}

func TestListAndClear(t *testing.T) {
	tbl, mgr := newTable(t)
	b, err := mgr.CreateFromBranch(mgr.Default(), "")
	require.NoError(t, err)

	require.NoError(t, tbl.Bind(30, b.ID()))
	require.NoError(t, tbl.Bind(10, types.DefaultBranch))
	require.NoError(t, tbl.Bind(20, b.ID()))

	list := tbl.List()
	require.Len(t, list, 3)
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{list[0].PID, list[1].PID, list[2].PID})
	assert.Equal(t, b.ID(), list[1].Branch)
	assert.Equal(t, 2, b.Info().BoundProcesses)

	tbl.Clear()
	assert.Empty(t, tbl.List())
	assert.Equal(t, 0, b.Info().BoundProcesses)
}
