package handles

import (
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Access is what one handle requested and what it lets others do.
type Access struct {
	Read   bool
	Write  bool
	Delete bool
	Share  types.ShareMode
}

func accessOf(opts types.OpenOptions) Access {
	return Access{
		Read:   opts.Read,
		Write:  opts.Write || opts.Append,
		Delete: opts.Delete || opts.DeleteOnClose,
		Share:  opts.Share,
	}
}

// Policy decides whether a file may be opened or removed given the
// handles already open on it. The manager consults it at exactly these
// two points.
type Policy interface {
	AdmitOpen(req Access, open []Access) error
	AdmitRemove(open []Access) error
}

// NewPolicy returns the share-mode policy when Windows compatibility is
// enabled and the POSIX policy otherwise.
func NewPolicy(windowsCompat bool) Policy {
	if windowsCompat {
		return SharePolicy{}
	}
	return PosixPolicy{}
}

// PosixPolicy admits everything: opens never conflict and unlinking an
// open file leaves it reachable through its handles.
type PosixPolicy struct{}

func (PosixPolicy) AdmitOpen(Access, []Access) error { return nil }
func (PosixPolicy) AdmitRemove([]Access) error       { return nil }

// SharePolicy applies Windows share modes. A request conflicts with an
// open handle when either side asks for access the other does not share.
type SharePolicy struct{}

func (SharePolicy) AdmitOpen(req Access, open []Access) error {
	for _, h := range open {
		if denied(req, h.Share) || denied(h, req.Share) {
			return sharingViolation()
		}
	}
	return nil
}

// AdmitRemove requires every open handle to share delete access; rename
// goes through the same check.
func (SharePolicy) AdmitRemove(open []Access) error {
	for _, h := range open {
		if !h.Share.Has(types.ShareDelete) {
			return sharingViolation()
		}
	}
	return nil
}

func denied(a Access, share types.ShareMode) bool {
	return (a.Read && !share.Has(types.ShareRead)) ||
		(a.Write && !share.Has(types.ShareWrite)) ||
		(a.Delete && !share.Has(types.ShareDelete))
}

func sharingViolation() error {
	return errors.NewError(errors.ErrCodeAccessDenied, "sharing violation").
		WithComponent("handles")
}
