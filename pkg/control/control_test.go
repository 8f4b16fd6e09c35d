package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/pkg/core"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

func newDispatcher(t *testing.T) (*Dispatcher, *core.Engine) {
	t.Helper()
	e, err := core.New(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return NewDispatcher(e, nil), e
}

func TestValidate(t *testing.T) {
	d, _ := newDispatcher(t)

	tests := []struct {
		name  string
		req   Request
		valid bool
	}{
		{"snapshot create", SnapshotCreate(types.Caller{}, "", "nightly"), true},
		{"snapshot list", SnapshotList(), true},
		{"branch from snapshot", BranchCreate(types.Caller{}, "snap", "b"), true},
		{"bind", Bind(7, "b"), true},
		{"unbind", Unbind(7), true},
		{"branch delete", BranchDelete("b"), true},
		{"missing version", Request{Op: OpSnapshotList}, false},
		{"future version", Request{Version: "2", Op: OpSnapshotList}, false},
		{"unknown op", Request{Version: Version, Op: "snapshot.restore"}, false},
		{"bind without pid", Bind(0, "b"), false},
		{"bind without branch", Bind(7, ""), false},
		{"unbind without pid", Unbind(0), false},
		{"delete without id", SnapshotDelete(""), false},
		{"list with operands", Request{Version: Version, Op: OpBranchList, PID: 3}, false},
		{"name with slash", SnapshotCreate(types.Caller{}, "", "a/b"), false},
		{"branch create with pid", Request{Version: Version, Op: OpBranchCreate, PID: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Validate(tt.req)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument), "%v", err)
			var ae *errors.AgentFSError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "validation", ae.Details["reason"])
		})
	}
}

func TestDispatchLifecycle(t *testing.T) {
	d, e := newDispatcher(t)
	ctx := context.Background()
	caller := types.Caller{PID: 1}

	resp := d.Dispatch(ctx, SnapshotCreate(caller, "", "base"))
	require.True(t, resp.OK(), resp.Error)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, "base", resp.Snapshot.Name)
	assert.Equal(t, OpSnapshotCreate, resp.Op)
	snapID := resp.Snapshot.ID

	resp = d.Dispatch(ctx, BranchCreate(caller, snapID, "agent"))
	require.True(t, resp.OK(), resp.Error)
	require.NotNil(t, resp.Branch)
	assert.Equal(t, snapID, resp.Branch.Origin)
	branchID := resp.Branch.ID

	resp = d.Dispatch(ctx, BranchCreate(caller, "", "fork"))
	require.True(t, resp.OK(), resp.Error)
	assert.Equal(t, types.DefaultBranch, resp.Branch.Parent)

	require.True(t, d.Dispatch(ctx, Bind(4242, branchID)).OK())
	assert.Equal(t, branchID, e.ActiveBranch(4242))

	resp = d.Dispatch(ctx, BranchList())
	require.True(t, resp.OK())
	assert.Len(t, resp.Branches, 3)

	resp = d.Dispatch(ctx, SnapshotDelete(snapID))
	assert.Equal(t, errors.ErrCodeInUse, resp.Code)
	assert.Error(t, resp.Err())

	resp = d.Dispatch(ctx, BranchDelete(branchID))
	assert.Equal(t, errors.ErrCodeInUse, resp.Code, "a bound process keeps the branch")

	require.True(t, d.Dispatch(ctx, Unbind(4242)).OK())
	require.True(t, d.Dispatch(ctx, Unbind(4242)).OK(), "unbinding twice is a no-op")
	require.True(t, d.Dispatch(ctx, BranchDelete(branchID)).OK())
	require.True(t, d.Dispatch(ctx, SnapshotDelete(snapID)).OK())

	resp = d.Dispatch(ctx, SnapshotList())
	require.True(t, resp.OK())
	assert.Empty(t, resp.Snapshots)
}

func TestInvalidRequestChangesNothing(t *testing.T) {
	d, e := newDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Version: Version, Op: OpBranchCreate, Name: "x", PID: 9})
	assert.Equal(t, errors.ErrCodeInvalidArgument, resp.Code)
	assert.Contains(t, resp.Error, "PID")
	assert.Len(t, e.BranchList(context.Background()), 1)
}

func TestHandleCodecs(t *testing.T) {
	for _, codec := range []Codec{CBOR, JSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			d, _ := newDispatcher(t)
			ctx := context.Background()

			data, err := codec.Marshal(SnapshotCreate(types.Caller{PID: 1}, "", "s1"))
			require.NoError(t, err)
			assert.Equal(t, codec, Detect(data))

			out, err := d.Handle(ctx, data)
			require.NoError(t, err)
			var resp Response
			require.NoError(t, codec.Unmarshal(out, &resp))
			require.True(t, resp.OK(), resp.Error)
			assert.Equal(t, Version, resp.Version)
			assert.Equal(t, "s1", resp.Snapshot.Name)
			assert.False(t, resp.Snapshot.Created.IsZero())

			data, err = codec.Marshal(SnapshotList())
			require.NoError(t, err)
			out, err = d.Handle(ctx, data)
			require.NoError(t, err)
			resp = Response{}
			require.NoError(t, codec.Unmarshal(out, &resp))
			require.Len(t, resp.Snapshots, 1)
		})
	}
}

func TestHandleMalformed(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	out, err := d.Handle(ctx, []byte{0xff, 0x00, 0x13})
	require.NoError(t, err)
	var resp Response
	require.NoError(t, CBOR.Unmarshal(out, &resp))
	assert.Equal(t, errors.ErrCodeInvalidArgument, resp.Code)
	assert.Contains(t, resp.Error, "cannot decode")

	out, err = d.Handle(ctx, []byte(`{"version":"1","op":"snapshot.list","extra":true}`))
	require.NoError(t, err)
	resp = Response{}
	require.NoError(t, JSON.Unmarshal(out, &resp))
	assert.Equal(t, errors.ErrCodeInvalidArgument, resp.Code)
}

func TestDecodeErrorCarriesReason(t *testing.T) {
	_, codec, err := DecodeRequest([]byte(`{"version":`))
	require.Error(t, err)
	assert.Equal(t, JSON, codec)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	var ae *errors.AgentFSError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "decode", ae.Details["reason"])
	assert.Equal(t, "json", ae.Details["codec"])
}

func TestCBORIsDeterministic(t *testing.T) {
	req := Bind(99, "branch")
	a, err := CBOR.Marshal(req)
	require.NoError(t, err)
	b, err := CBOR.Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestForContentType(t *testing.T) {
	assert.Equal(t, JSON, ForContentType("application/json; charset=utf-8"))
	assert.Equal(t, CBOR, ForContentType("application/cbor"))
	assert.Equal(t, CBOR, ForContentType(""))
}
