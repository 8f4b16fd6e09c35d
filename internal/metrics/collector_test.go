package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

type fixedStats types.Stats

func (f fixedStats) Stats() types.Stats { return types.Stats(f) }

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.False(t, c.Enabled())
		assert.Nil(t, c.Registry())
	})

	t.Run("enabled", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: true, Namespace: "agentfs", Subsystem: "test"})
		require.NoError(t, err)
		assert.True(t, c.Enabled())
		assert.NotNil(t, c.Registry())
	})
}

func TestRecordOperationDisabled(t *testing.T) {
	c, err := NewCollector(&Config{})
	require.NoError(t, err)

	c.RecordOperation("open", time.Millisecond, nil)
	c.RecordOperation("open", time.Millisecond, errors.NewError(errors.ErrCodeNotFound, "missing"))
	c.RecordOperation("unlink", time.Millisecond, errors.NewError(errors.ErrCodeAccessDenied, "denied"))
	c.RecordRead(10)
	c.RecordWrite(4)

	var s types.Stats
	c.Snapshot(&s)
	assert.Equal(t, map[string]uint64{"open": 2, "unlink": 1}, s.Operations)
	assert.Equal(t, map[string]uint64{"NOT_FOUND": 1, "ACCESS_DENIED": 1}, s.Errors)
	assert.Equal(t, uint64(10), s.BytesRead)
	assert.Equal(t, uint64(4), s.BytesWritten)

	ops := c.GetMetrics()
	assert.Equal(t, uint64(1), ops["open"].Errors)
	assert.Equal(t, 2*time.Millisecond, ops["open"].TotalDuration)

	c.ResetMetrics()
	c.Snapshot(&s)
	assert.Empty(t, s.Operations)
	assert.Zero(t, s.BytesRead)
}

func TestRecordOperationExports(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: true, Namespace: "agentfs"})
	require.NoError(t, err)

	c.RecordOperation("read", time.Millisecond, nil)
	c.RecordOperation("read", time.Millisecond, errors.NewError(errors.ErrCodeStaleHandle, "stale"))
	c.RecordWrite(128)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("read", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("read", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("read", "STALE_HANDLE")))
	assert.Equal(t, 128.0, testutil.ToFloat64(c.bytesCounter.WithLabelValues("write")))
}

func TestRegisterStats(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: true, Namespace: "agentfs"})
	require.NoError(t, err)

	require.NoError(t, c.RegisterStats(fixedStats{ActiveHandles: 3, Branches: 2, CowCopies: 7}))

	expected := `
# HELP agentfs_open_handles Number of open handles
# TYPE agentfs_open_handles gauge
agentfs_open_handles 3
# HELP agentfs_cow_copies_total Contents copied on write
# TYPE agentfs_cow_copies_total counter
agentfs_cow_copies_total 7
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"agentfs_open_handles", "agentfs_cow_copies_total"))

	assert.Error(t, c.RegisterStats(fixedStats{}), "registering twice collides")

	disabled, err := NewCollector(&Config{})
	require.NoError(t, err)
	assert.NoError(t, disabled.RegisterStats(fixedStats{}))
}

func TestHTTPHandlers(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: true})
	require.NoError(t, err)
	c.RecordOperation("mkdir", time.Microsecond, nil)

	rec := httptest.NewRecorder()
	c.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = httptest.NewRecorder()
	c.debugOperationsHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"mkdir"`)
}

func TestStartStopWithoutPort(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Nil(t, c.server)
	assert.NoError(t, c.Stop(context.Background()))
}
