package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/agentharbor/agentfs/internal/config"
	"github.com/agentharbor/agentfs/pkg/api"
	"github.com/agentharbor/agentfs/pkg/control"
	"github.com/agentharbor/agentfs/pkg/core"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func writeRequest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestHelpAndVersion(t *testing.T) {
	out, err := runArgs(t)
	require.NoError(t, err)
	assert.Contains(t, out, "mount")
	assert.Contains(t, out, "control")

	out, err = runArgs(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "agentfs dev\n", out)

	_, err = runArgs(t, "format")
	assert.ErrorContains(t, err, `unknown command "format"`)
}

func TestConfigPrintsEffectiveConfig(t *testing.T) {
	t.Setenv("AGENTFS_MAX_BRANCHES", "7")
	file := filepath.Join(t.TempDir(), "agentfs.yaml")
	require.NoError(t, os.WriteFile(file, []byte("fuse:\n  fs_name: sandbox\n"), 0o600))

	out, err := runArgs(t, "config", "-c", file, "--log-level", "DEBUG")
	require.NoError(t, err)

	var cfg config.Configuration
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "sandbox", cfg.FUSE.FSName)
	assert.Equal(t, 7, cfg.Limits.MaxBranches)
	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
}

func TestConfigValidates(t *testing.T) {
	t.Setenv("AGENTFS_CASE_SENSITIVITY", "sometimes")
	_, err := runArgs(t, "config")
	assert.Error(t, err)

	_, err = runArgs(t, "config", "--validate=false")
	assert.NoError(t, err)
}

func TestMountNeedsMountPoint(t *testing.T) {
	_, err := runArgs(t, "mount")
	assert.ErrorContains(t, err, "exactly one mount point")
}

func TestControlDryRunFillsCaller(t *testing.T) {
	path := writeRequest(t, `{"version":"1","op":"branch.create","name":"try"}`)
	out, err := runArgs(t, "control", "--dry-run", path)
	require.NoError(t, err)

	var req control.Request
	require.NoError(t, json.Unmarshal([]byte(out), &req))
	assert.Equal(t, control.OpBranchCreate, req.Op)
	assert.Equal(t, uint32(os.Getppid()), req.Caller.PID)
}

func TestControlRejectsInvalidRequest(t *testing.T) {
	_, err := runArgs(t, "control", "--dry-run", writeRequest(t, `{"version":"1","op":"branch.bind"}`))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	assert.Contains(t, err.Error(), "invalid control request")

	_, err = runArgs(t, "control", "--dry-run", writeRequest(t, `{"version":"1","op":"branch.list","bogus":1}`))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	assert.Contains(t, err.Error(), "cannot decode")
}

func TestControlAgainstServer(t *testing.T) {
	e, err := core.New(context.Background(), nil)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())
	srv := httptest.NewServer(api.NewServer(api.DefaultServerConfig(), e, control.NewDispatcher(e, nil), nil).Handler())
	defer srv.Close()
	address := strings.TrimPrefix(srv.URL, "http://")

	out, err := runArgs(t, "control", "--address", address,
		writeRequest(t, `{"version":"1","op":"snapshot.create","name":"base","caller":{"pid":1}}`))
	require.NoError(t, err)
	var resp control.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, "base", resp.Snapshot.Name)

	_, err = runArgs(t, "control", "--address", address,
		writeRequest(t, `{"version":"1","op":"branch.delete","branch_id":"`+string(types.DefaultBranch)+`"}`))
	assert.Error(t, err)
}
