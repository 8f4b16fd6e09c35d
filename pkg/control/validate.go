package control

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/agentharbor/agentfs/pkg/errors"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateOperands, Request{})
	return v
}

// validateOperands checks the fields each operation needs and rejects
// the ones it does not take.
func validateOperands(sl validator.StructLevel) {
	req := sl.Current().Interface().(Request)

	need := func(ok bool, value any, field, tag string) {
		if !ok {
			sl.ReportError(value, field, field, tag, string(req.Op))
		}
	}
	switch req.Op {
	case OpSnapshotCreate:
		need(req.SnapshotID == "", req.SnapshotID, "SnapshotID", "excluded")
		need(req.PID == 0, req.PID, "PID", "excluded")
	case OpSnapshotList, OpBranchList:
		need(req.Name == "", req.Name, "Name", "excluded")
		need(req.SnapshotID == "", req.SnapshotID, "SnapshotID", "excluded")
		need(req.BranchID == "", req.BranchID, "BranchID", "excluded")
		need(req.PID == 0, req.PID, "PID", "excluded")
	case OpSnapshotDelete:
		need(req.SnapshotID != "", req.SnapshotID, "SnapshotID", "required")
	case OpBranchCreate:
		need(req.BranchID == "", req.BranchID, "BranchID", "excluded")
		need(req.PID == 0, req.PID, "PID", "excluded")
	case OpBranchDelete:
		need(req.BranchID != "", req.BranchID, "BranchID", "required")
	case OpBranchBind:
		need(req.PID != 0, req.PID, "PID", "required")
		need(req.BranchID != "", req.BranchID, "BranchID", "required")
	case OpBranchUnbind:
		need(req.PID != 0, req.PID, "PID", "required")
	}
}

// validationError turns validator output into one INVALID_ARGUMENT error
// naming every offending field.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(errors.ErrCodeInvalidArgument, err, "invalid control request").
			WithComponent("control").
			WithDetail("reason", "validation")
	}
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
	}
	return errors.Newf(errors.ErrCodeInvalidArgument, "invalid control request: %s", strings.Join(msgs, "; ")).
		WithComponent("control").
		WithDetail("reason", "validation").
		WithDetail("fields", fields)
}
