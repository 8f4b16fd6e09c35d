package branch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/internal/snapshot"
	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

var caller = types.Caller{PID: 1, UID: 0, GID: 0}

type fixture struct {
	tree  *tree.Tree
	snaps *snapshot.Registry
	mgr   *Manager
}

func newFixture(t *testing.T, maxBranches int) *fixture {
	t.Helper()
	store, err := storage.New(storage.Config{ChunkSize: 8})
	require.NoError(t, err)
	tr := tree.New(store, tree.Options{})
	snaps := snapshot.New(tr, snapshot.Config{})
	mgr := NewManager(tr, snaps, tr.NewRoot(0, 0, 0o755), Config{MaxBranches: maxBranches})
	t.Cleanup(func() {
		mgr.Close()
		snaps.Close()
		_ = store.Close()
	})
	return &fixture{tree: tr, snaps: snaps, mgr: mgr}
}

func writeFile(t *testing.T, b *Branch, name, data string) {
	t.Helper()
	require.NoError(t, b.Update(context.Background(), caller, func(x *tree.Txn) error {
		keys := x.Tree().Keys([]string{name})
		n, err := x.LookupKeys(keys)
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			n, err = x.Create([]string{name}, tree.NewEntry{Kind: types.KindFile, Mode: 0o644})
		}
		if err != nil {
			return err
		}
		if _, err := x.SetAttrs([]string{name}, types.SetAttributes{Size: new(int64)}); err != nil {
			return err
		}
		_, err = x.EditStream(keys, n.Ino(), "", tree.Edit{Data: []byte(data)})
		return err
	}))
}

func readFile(t *testing.T, tr *tree.Tree, root *tree.Node, name string) (string, error) {
	t.Helper()
	n, err := tr.Resolve(caller, root, []string{name})
	if err != nil {
		return "", err
	}
	data, err := tr.ReadStream(context.Background(), n, "", 0, 1<<16)
	return string(data), err
}

func readBranch(t *testing.T, b *Branch, name string) (string, error) {
	t.Helper()
	root, err := b.Acquire()
	require.NoError(t, err)
	defer b.tree.Release(root)
	return readFile(t, b.tree, root, name)
}

func TestUpdatePublishesRoot(t *testing.T) {
	f := newFixture(t, 0)
	b := f.mgr.Default()

	before, err := b.Acquire()
	require.NoError(t, err)
	writeFile(t, b, "a", "hello")

	got, err := readBranch(t, b, "a")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, uint64(1), b.Writes())

	_, err = readFile(t, f.tree, before, "a")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), "a pinned root never changes")
	f.tree.Release(before)
}

func TestFailedUpdateKeepsRoot(t *testing.T) {
	f := newFixture(t, 0)
	b := f.mgr.Default()
	writeFile(t, b, "a", "x")
	root := b.root.Load()

	err := b.Update(context.Background(), caller, func(x *tree.Txn) error {
		_, err := x.Create([]string{"a"}, tree.NewEntry{Kind: types.KindFile})
		return err
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))
	assert.Same(t, root, b.root.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.Update(ctx, caller, func(*tree.Txn) error { return nil }))
}

func TestBranchesFromSnapshotAreIsolated(t *testing.T) {
	f := newFixture(t, 0)
	def := f.mgr.Default()
	writeFile(t, def, "shared", "base")

	s, err := def.Capture(func(root *tree.Node, parent types.SnapshotID) (types.SnapshotInfo, error) {
		return f.snaps.Create(def.ID(), parent, "s", root)
	})
	require.NoError(t, err)

	b1, err := f.mgr.CreateFromSnapshot(s.ID, "b1")
	require.NoError(t, err)
	b2, err := f.mgr.CreateFromSnapshot(s.ID, "b2")
	require.NoError(t, err)
	assert.Equal(t, s.ID, b1.Origin())

	writeFile(t, b1, "shared", "one")
	writeFile(t, b2, "only2", "two")

	got, err := readBranch(t, b1, "shared")
	require.NoError(t, err)
	assert.Equal(t, "one", got)
	got, err = readBranch(t, b2, "shared")
	require.NoError(t, err)
	assert.Equal(t, "base", got)
	_, err = readBranch(t, b1, "only2")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	sroot, err := f.snaps.Acquire(s.ID)
	require.NoError(t, err)
	got, err = readFile(t, f.tree, sroot, "shared")
	require.NoError(t, err)
	assert.Equal(t, "base", got)
	f.tree.Release(sroot)

	assert.True(t, errors.IsCode(f.snaps.Delete(s.ID), errors.ErrCodeInUse))
	require.NoError(t, f.mgr.Delete(b1.ID()))
	require.NoError(t, f.mgr.Delete(b2.ID()))
	assert.NoError(t, f.snaps.Delete(s.ID))
}

func TestCaptureAdvancesLineage(t *testing.T) {
	f := newFixture(t, 0)
	def := f.mgr.Default()
	capture := func() types.SnapshotInfo {
		info, err := def.Capture(func(root *tree.Node, parent types.SnapshotID) (types.SnapshotInfo, error) {
			return f.snaps.Create(def.ID(), parent, "", root)
		})
		require.NoError(t, err)
		return info
	}

	s1 := capture()
	s2 := capture()
	assert.Empty(t, s1.Parent)
	assert.Equal(t, s1.ID, s2.Parent)

	b, err := f.mgr.CreateFromSnapshot(s2.ID, "")
	require.NoError(t, err)
	s3, err := b.Capture(func(root *tree.Node, parent types.SnapshotID) (types.SnapshotInfo, error) {
		return f.snaps.Create(b.ID(), parent, "", root)
	})
	require.NoError(t, err)
	assert.Equal(t, s2.ID, s3.Parent)
}

func TestCreateFromBranch(t *testing.T) {
	f := newFixture(t, 0)
	def := f.mgr.Default()
	writeFile(t, def, "a", "live")

	b, err := f.mgr.CreateFromBranch(def, "fork")
	require.NoError(t, err)
	assert.Equal(t, def.ID(), b.Info().Parent)
	assert.Empty(t, b.Origin())

	writeFile(t, def, "a", "changed")
	got, err := readBranch(t, b, "a")
	require.NoError(t, err)
	assert.Equal(t, "live", got)

	found, err := f.mgr.Lookup("fork")
	require.NoError(t, err)
	assert.Same(t, b, found)

	_, err = f.mgr.CreateFromBranch(def, "fork")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))
}

func TestDeleteRules(t *testing.T) {
	f := newFixture(t, 0)

	err := f.mgr.Delete(types.DefaultBranch)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	assert.True(t, errors.IsCode(f.mgr.Delete("missing"), errors.ErrCodeNotFound))

	b, err := f.mgr.CreateFromBranch(f.mgr.Default(), "")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Bind(b))
	assert.True(t, errors.IsCode(f.mgr.Delete(b.ID()), errors.ErrCodeInUse))
	f.mgr.Unbind(b)

	require.NoError(t, f.mgr.OpenHandle(b))
	assert.True(t, errors.IsCode(f.mgr.Delete(b.ID()), errors.ErrCodeInUse))
	f.mgr.CloseHandle(b)

	require.NoError(t, f.mgr.Delete(b.ID()))
	assert.True(t, errors.IsCode(f.mgr.Bind(b), errors.ErrCodeNotFound))
	_, err = b.Acquire()
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	err = b.Update(context.Background(), caller, func(*tree.Txn) error { return nil })
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestMaxBranches(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.mgr.CreateFromBranch(f.mgr.Default(), "")
	require.NoError(t, err)
	_, err = f.mgr.CreateFromBranch(f.mgr.Default(), "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeResourceLimit))
	assert.Len(t, f.mgr.List(), 2)
	assert.Equal(t, types.DefaultBranch, f.mgr.List()[0].ID)
}

func TestConcurrentBranchesLeaveSnapshotUnchanged(t *testing.T) {
	f := newFixture(t, 0)
	def := f.mgr.Default()
	writeFile(t, def, "f", "original")
	s, err := def.Capture(func(root *tree.Node, parent types.SnapshotID) (types.SnapshotInfo, error) {
		return f.snaps.Create(def.ID(), parent, "", root)
	})
	require.NoError(t, err)

	branches := make([]*Branch, 10)
	for i := range branches {
		branches[i], err = f.mgr.CreateFromSnapshot(s.ID, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				writeFile(t, b, "f", fmt.Sprintf("branch %d write %d", i, j))
				writeFile(t, b, fmt.Sprintf("new%d", j), "x")
			}
		}()
	}
	wg.Wait()

	sroot, err := f.snaps.Acquire(s.ID)
	require.NoError(t, err)
	defer f.tree.Release(sroot)
	got, err := readFile(t, f.tree, sroot, "f")
	require.NoError(t, err)
	assert.Equal(t, "original", got)
	assert.Equal(t, 1, sroot.Len())

	for i, b := range branches {
		got, err := readBranch(t, b, "f")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("branch %d write 19", i), got)
	}
}

func TestReadersPinRootsDuringWrites(t *testing.T) {
	f := newFixture(t, 0)
	b := f.mgr.Default()
	writeFile(t, b, "f", "v0")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			root, err := b.Acquire()
			if !assert.NoError(t, err) {
				return
			}
			n, err := f.tree.Resolve(caller, root, []string{"f"})
			if assert.NoError(t, err) {
				_, err = f.tree.ReadStream(context.Background(), n, "", 0, 16)
				assert.NoError(t, err)
			}
			f.tree.Release(root)
		}
	}()
	for i := 0; i < 200; i++ {
		writeFile(t, b, "f", fmt.Sprintf("v%d", i))
	}
	close(stop)
	wg.Wait()
}

// holdInPlaceEdit starts an update that edits name in place and then
// waits for release before committing. It returns once the edit is made.
func holdInPlaceEdit(t *testing.T, b *Branch, name, data string) (release chan struct{}, done chan error) {
	t.Helper()
	edited := make(chan struct{})
	release = make(chan struct{})
	done = make(chan error, 1)
	go func() {
		done <- b.Update(context.Background(), caller, func(x *tree.Txn) error {
			keys := x.Tree().Keys([]string{name})
			n, err := x.LookupKeys(keys)
			if err != nil {
				return err
			}
			if _, err := x.EditStream(keys, n.Ino(), "", tree.Edit{Data: []byte(data)}); err != nil {
				return err
			}
			close(edited)
			<-release
			return nil
		})
	}()
	<-edited
	return release, done
}

func TestAcquireWaitsForInPlaceEdit(t *testing.T) {
	f := newFixture(t, 0)
	b := f.mgr.Default()
	writeFile(t, b, "a", "old")

	release, done := holdInPlaceEdit(t, b, "a", "new")
	got := make(chan string, 1)
	go func() {
		root, err := b.Acquire()
		if err != nil {
			got <- err.Error()
			return
		}
		defer f.tree.Release(root)
		n, err := f.tree.Resolve(caller, root, []string{"a"})
		if err != nil {
			got <- err.Error()
			return
		}
		data, _ := f.tree.ReadStream(context.Background(), n, "", 0, 16)
		got <- string(data)
	}()

	select {
	case s := <-got:
		t.Fatalf("Acquire returned %q before the edit was committed", s)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "new", <-got)
}

func TestCreateFromBranchWaitsForWriter(t *testing.T) {
	f := newFixture(t, 0)
	def := f.mgr.Default()
	writeFile(t, def, "a", "old")

	release, done := holdInPlaceEdit(t, def, "a", "new")
	forked := make(chan *Branch, 1)
	go func() {
		b, err := f.mgr.CreateFromBranch(def, "fork")
		assert.NoError(t, err)
		forked <- b
	}()

	select {
	case <-forked:
		t.Fatal("branch created from an uncommitted root")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	b := <-forked
	require.NotNil(t, b)

	writeFile(t, def, "a", "later")
	got, err := readBranch(t, b, "a")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestFailedUpdateReleasesClaims(t *testing.T) {
	f := newFixture(t, 0)
	b := f.mgr.Default()
	writeFile(t, b, "a", "old")

	err := b.Update(context.Background(), caller, func(x *tree.Txn) error {
		_, err := x.SetAttrs([]string{"a"}, types.SetAttributes{Mode: new(uint32)})
		if err != nil {
			return err
		}
		return errors.NewError(errors.ErrCodeInvalidArgument, "rejected")
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	root, err := b.Acquire()
	require.NoError(t, err)
	f.tree.Release(root)
}
