package control

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Dispatcher validates control requests and applies them to an engine.
type Dispatcher struct {
	ctl      types.Control
	validate *validator.Validate
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher for ctl. A nil logger logs nothing.
func NewDispatcher(ctl types.Control, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ctl:      ctl,
		validate: newValidator(),
		logger:   logger.Named("control"),
	}
}

// Validate checks a request against the envelope schema.
func (d *Dispatcher) Validate(req Request) error {
	if err := d.validate.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

// Dispatch validates req and runs it. Failures are reported in the
// response, never partially applied.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	resp, err := d.dispatch(ctx, req)
	resp.Version, resp.Op = Version, req.Op
	if err != nil {
		resp = Response{Version: Version, Op: req.Op, Error: err.Error(), Code: errors.KindOf(err)}
		d.logger.Debug("Control request failed",
			zap.String("op", string(req.Op)),
			zap.String("code", string(resp.Code)),
			zap.Error(err))
		return resp
	}
	d.logger.Debug("Control request served",
		zap.String("op", string(req.Op)),
		zap.Duration("duration", time.Since(start)))
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Response, error) {
	if err := d.Validate(req); err != nil {
		return Response{}, err
	}

	switch req.Op {
	case OpSnapshotCreate:
		info, err := d.ctl.SnapshotCreate(ctx, req.Caller, req.BranchID, req.Name)
		if err != nil {
			return Response{}, err
		}
		return Response{Snapshot: &info}, nil

	case OpSnapshotList:
		return Response{Snapshots: d.ctl.SnapshotList(ctx)}, nil

	case OpSnapshotDelete:
		return Response{}, d.ctl.SnapshotDelete(ctx, req.SnapshotID)

	case OpBranchCreate:
		var (
			info types.BranchInfo
			err  error
		)
		if req.SnapshotID != "" {
			info, err = d.ctl.BranchCreateFromSnapshot(ctx, req.SnapshotID, req.Name)
		} else {
			info, err = d.ctl.BranchCreateFromCurrent(ctx, req.Caller, req.Name)
		}
		if err != nil {
			return Response{}, err
		}
		return Response{Branch: &info}, nil

	case OpBranchList:
		return Response{Branches: d.ctl.BranchList(ctx)}, nil

	case OpBranchDelete:
		return Response{}, d.ctl.BranchDelete(ctx, req.BranchID)

	case OpBranchBind:
		return Response{}, d.ctl.BindProcess(ctx, req.PID, req.BranchID)

	case OpBranchUnbind:
		return Response{}, d.ctl.UnbindProcess(ctx, req.PID)
	}
	return Response{}, errors.Newf(errors.ErrCodeInvalidArgument, "unknown op %q", req.Op)
}

// Handle decodes an encoded request, dispatches it and encodes the
// response with the codec the request arrived in.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) ([]byte, error) {
	req, codec, err := DecodeRequest(data)
	var resp Response
	if err != nil {
		resp = Response{Version: Version, Error: err.Error(), Code: errors.KindOf(err)}
	} else {
		resp = d.Dispatch(ctx, req)
	}
	out, err := codec.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, err, "cannot encode control response").
			WithComponent("control").
			WithDetail("codec", codec.Name())
	}
	return out, nil
}
