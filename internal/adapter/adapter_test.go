package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/internal/config"
	"github.com/agentharbor/agentfs/internal/fuse"
	"github.com/agentharbor/agentfs/pkg/errors"
)

type fakeMount struct {
	mounted   bool
	mountErr  error
	mounts    int
	unmounts  int
	unmounted chan struct{}
}

func newFakeMount() *fakeMount {
	return &fakeMount{unmounted: make(chan struct{})}
}

func (m *fakeMount) Mount(ctx context.Context) error {
	m.mounts++
	if m.mountErr != nil {
		return m.mountErr
	}
	m.mounted = true
	return nil
}

func (m *fakeMount) Unmount() error {
	m.unmounts++
	m.mounted = false
	close(m.unmounted)
	return nil
}

func (m *fakeMount) IsMounted() bool                 { return m.mounted }
func (m *fakeMount) Wait()                           { <-m.unmounted }
func (m *fakeMount) GetStats() *fuse.FilesystemStats { return &fuse.FilesystemStats{Opens: 3} }

func newTestAdapter(t *testing.T, cfg *config.Configuration) (*Adapter, *fakeMount) {
	t.Helper()
	a, err := New(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	m := newFakeMount()
	a.mount = m
	return a, m
}

func TestNewRequiresMountPoint(t *testing.T) {
	_, err := New(context.Background(), "", nil, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Filesystem.CaseSensitivity = "sometimes"
	_, err := New(context.Background(), t.TempDir(), cfg, nil)
	assert.Error(t, err)
}

func TestNewResolvesMountPoint(t *testing.T) {
	a, err := New(context.Background(), "relative/mnt", nil, nil)
	require.NoError(t, err)
	defer a.Stop(context.Background())

	assert.True(t, filepath.IsAbs(a.MountPoint()))
	assert.NotNil(t, a.Engine())
	assert.NotNil(t, a.Dispatcher())
	assert.Nil(t, a.api, "api is off by default")
}

func TestStartStop(t *testing.T) {
	a, m := newTestAdapter(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	assert.True(t, m.IsMounted())
	assert.True(t, errors.IsCode(a.Start(ctx), errors.ErrCodeAlreadyExists))

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()

	require.NoError(t, a.Stop(ctx))
	<-done
	assert.Equal(t, 1, m.unmounts)
	assert.False(t, a.Engine().Alive())
}

func TestStartMountFailure(t *testing.T) {
	a, m := newTestAdapter(t, nil)
	m.mountErr = errors.NewError(errors.ErrCodeInUse, "busy")

	err := a.Start(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeInUse))
	assert.False(t, a.started)

	require.NoError(t, a.Stop(context.Background()))
	assert.Zero(t, m.unmounts)
}

func TestStopWithoutStart(t *testing.T) {
	a, m := newTestAdapter(t, nil)
	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()), "stop is idempotent")
	assert.Zero(t, m.unmounts)
}

func TestAPIServesControlPlane(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Monitoring.API.Enabled = true
	cfg.Monitoring.API.Address = "127.0.0.1:0"
	a, _ := newTestAdapter(t, cfg)
	defer a.Stop(context.Background())
	require.NotNil(t, a.api)

	w := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	body := `{"version":"1","op":"branch.list"}`
	req := httptest.NewRequest(http.MethodPost, "/control", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.api.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "default")
}
