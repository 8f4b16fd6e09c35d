package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
)

func newRegistry(t *testing.T, max int) (*Registry, *tree.Tree, *tree.Node) {
	t.Helper()
	store, err := storage.New(storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tr := tree.New(store, tree.Options{})
	root := tr.NewRoot(0, 0, 0o755)
	t.Cleanup(func() { tr.Release(root) })
	return New(tr, Config{MaxSnapshots: max}), tr, root
}

func TestCreateRetainsRoot(t *testing.T) {
	r, _, root := newRegistry(t, 0)

	info, err := r.Create("default", "", "base", root)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "base", info.Name)
	assert.Equal(t, int32(2), root.Refs())

	got, err := r.Lookup("base")
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	require.NoError(t, r.Delete(info.ID))
	assert.Equal(t, int32(1), root.Refs())
	_, err = r.Get(info.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestNamesAreUnique(t *testing.T) {
	r, _, root := newRegistry(t, 0)

	_, err := r.Create("default", "", "s", root)
	require.NoError(t, err)
	_, err = r.Create("default", "", "s", root)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))

	_, err = r.Create("default", "", "", root)
	require.NoError(t, err)
	_, err = r.Create("default", "", "", root)
	require.NoError(t, err, "unnamed snapshots never collide")

	_, err = r.Create("default", "", "a/b", root)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidName))
	r.Close()
}

func TestListIsOrderedAndTracksLineage(t *testing.T) {
	r, _, root := newRegistry(t, 0)
	defer r.Close()

	s1, err := r.Create("default", "", "one", root)
	require.NoError(t, err)
	s2, err := r.Create("default", s1.ID, "two", root)
	require.NoError(t, err)
	s3, err := r.Create("default", s2.ID, "three", root)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{list[0].Name, list[1].Name, list[2].Name})
	assert.Equal(t, s1.ID, list[1].Parent)

	require.NoError(t, r.Delete(s2.ID))
	got, err := r.Get(s3.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.Parent, "lineage skips deleted snapshots")

	s4, err := r.Create("default", s2.ID, "four", root)
	require.NoError(t, err)
	assert.Empty(t, s4.Parent)
}

func TestDeleteRefusedWhileDepended(t *testing.T) {
	r, tr, root := newRegistry(t, 0)
	defer r.Close()

	s, err := r.Create("default", "", "", root)
	require.NoError(t, err)

	branchRoot, err := r.Depend(s.ID)
	require.NoError(t, err)
	assert.Same(t, root, branchRoot)

	err = r.Delete(s.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInUse))

	r.Undepend(s.ID)
	tr.Release(branchRoot)
	assert.NoError(t, r.Delete(s.ID))

	_, err = r.Depend(s.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestAcquireOutlivesDelete(t *testing.T) {
	r, tr, root := newRegistry(t, 0)

	s, err := r.Create("default", "", "", root)
	require.NoError(t, err)
	pinned, err := r.Acquire(s.ID)
	require.NoError(t, err)
	require.NoError(t, r.Delete(s.ID))

	assert.Equal(t, int32(2), pinned.Refs())
	tr.Release(pinned)
}

func TestMaxSnapshots(t *testing.T) {
	r, _, root := newRegistry(t, 2)
	defer r.Close()

	for i := 0; i < 2; i++ {
		_, err := r.Create("default", "", "", root)
		require.NoError(t, err)
	}
	_, err := r.Create("default", "", "", root)
	assert.True(t, errors.IsCode(err, errors.ErrCodeResourceLimit))
	assert.Equal(t, 2, r.Len())
}
