package control

import (
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Version is the control protocol version this package speaks.
const Version = "1"

// Op names a control operation.
type Op string

const (
	OpSnapshotCreate Op = "snapshot.create"
	OpSnapshotList   Op = "snapshot.list"
	OpSnapshotDelete Op = "snapshot.delete"
	OpBranchCreate   Op = "branch.create"
	OpBranchList     Op = "branch.list"
	OpBranchDelete   Op = "branch.delete"
	OpBranchBind     Op = "branch.bind"
	OpBranchUnbind   Op = "branch.unbind"
)

// Request is the control envelope. Which fields are required depends on
// Op:
//
//	snapshot.create  name?, branch_id?   (caller's branch when empty)
//	snapshot.list
//	snapshot.delete  snapshot_id
//	branch.create    name?, snapshot_id? (caller's branch when empty)
//	branch.list
//	branch.delete    branch_id
//	branch.bind      pid, branch_id
//	branch.unbind    pid
type Request struct {
	Version    string           `json:"version" cbor:"version" validate:"required,eq=1"`
	Op         Op               `json:"op" cbor:"op" validate:"required,oneof=snapshot.create snapshot.list snapshot.delete branch.create branch.list branch.delete branch.bind branch.unbind"`
	Caller     types.Caller     `json:"caller" cbor:"caller"`
	Name       string           `json:"name,omitempty" cbor:"name,omitempty" validate:"omitempty,max=255,excludesall=/"`
	SnapshotID types.SnapshotID `json:"snapshot_id,omitempty" cbor:"snapshot_id,omitempty" validate:"omitempty,max=64"`
	BranchID   types.BranchID   `json:"branch_id,omitempty" cbor:"branch_id,omitempty" validate:"omitempty,max=64"`
	PID        uint32           `json:"pid,omitempty" cbor:"pid,omitempty"`
}

// Response is the control reply: the result of Op, or Error and Code.
type Response struct {
	Version   string               `json:"version" cbor:"version"`
	Op        Op                   `json:"op" cbor:"op"`
	Snapshot  *types.SnapshotInfo  `json:"snapshot,omitempty" cbor:"snapshot,omitempty"`
	Snapshots []types.SnapshotInfo `json:"snapshots,omitempty" cbor:"snapshots,omitempty"`
	Branch    *types.BranchInfo    `json:"branch,omitempty" cbor:"branch,omitempty"`
	Branches  []types.BranchInfo   `json:"branches,omitempty" cbor:"branches,omitempty"`
	Error     string               `json:"error,omitempty" cbor:"error,omitempty"`
	Code      errors.ErrorCode     `json:"code,omitempty" cbor:"code,omitempty"`
}

// OK reports whether the response carries a result.
func (r Response) OK() bool { return r.Code == "" }

// Err returns the response error as an AgentFSError, or nil.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return errors.NewError(r.Code, r.Error).WithComponent("control")
}

// SnapshotCreate builds a snapshot.create request.
func SnapshotCreate(c types.Caller, branch types.BranchID, name string) Request {
	return Request{Version: Version, Op: OpSnapshotCreate, Caller: c, BranchID: branch, Name: name}
}

// SnapshotList builds a snapshot.list request.
func SnapshotList() Request {
	return Request{Version: Version, Op: OpSnapshotList}
}

// SnapshotDelete builds a snapshot.delete request.
func SnapshotDelete(id types.SnapshotID) Request {
	return Request{Version: Version, Op: OpSnapshotDelete, SnapshotID: id}
}

// BranchCreate builds a branch.create request. An empty snapshot forks
// the caller's current branch.
func BranchCreate(c types.Caller, snapshot types.SnapshotID, name string) Request {
	return Request{Version: Version, Op: OpBranchCreate, Caller: c, SnapshotID: snapshot, Name: name}
}

// BranchList builds a branch.list request.
func BranchList() Request {
	return Request{Version: Version, Op: OpBranchList}
}

// BranchDelete builds a branch.delete request.
func BranchDelete(id types.BranchID) Request {
	return Request{Version: Version, Op: OpBranchDelete, BranchID: id}
}

// Bind builds a branch.bind request.
func Bind(pid uint32, branch types.BranchID) Request {
	return Request{Version: Version, Op: OpBranchBind, PID: pid, BranchID: branch}
}

// Unbind builds a branch.unbind request.
func Unbind(pid uint32) Request {
	return Request{Version: Version, Op: OpBranchUnbind, PID: pid}
}
