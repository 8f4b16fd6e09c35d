//go:build cgofuse

package fuse

import (
	"github.com/winfsp/cgofuse/fuse"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// cgoErrnos mirrors the go-fuse errno table with cgofuse's portable
// constants, which WinFsp and macFUSE translate for their hosts.
var cgoErrnos = map[errors.ErrorCode]int{
	errors.ErrCodeNotFound:        fuse.ENOENT,
	errors.ErrCodeAlreadyExists:   fuse.EEXIST,
	errors.ErrCodeNotADirectory:   fuse.ENOTDIR,
	errors.ErrCodeIsADirectory:    fuse.EISDIR,
	errors.ErrCodeNotEmpty:        fuse.ENOTEMPTY,
	errors.ErrCodeInvalidName:     fuse.EINVAL,
	errors.ErrCodeInvalidArgument: fuse.EINVAL,
	errors.ErrCodeStaleHandle:     fuse.EBADF,
	errors.ErrCodeUnsupported:     fuse.ENOTSUP,
	errors.ErrCodeAccessDenied:    fuse.EACCES,
	errors.ErrCodeLocked:          fuse.EAGAIN,
	errors.ErrCodeInUse:           fuse.EBUSY,
	errors.ErrCodeOutOfSpace:      fuse.ENOSPC,
	errors.ErrCodeResourceLimit:   fuse.EMFILE,
	errors.ErrCodeSpillIO:         fuse.EIO,
	errors.ErrCodeSpillCorrupt:    fuse.EIO,

	errors.ErrCodeInvalidConfig:    fuse.EINVAL,
	errors.ErrCodeConfigValidation: fuse.EINVAL,
	errors.ErrCodeConfigLoad:       fuse.EINVAL,
	errors.ErrCodeConfigSave:       fuse.EINVAL,

	errors.ErrCodeShutdown:      fuse.ENOTCONN,
	errors.ErrCodeInternalError: fuse.EIO,
}

// cgoErrno returns the negated errno cgofuse callbacks report.
func cgoErrno(err error) int {
	if err == nil {
		return 0
	}
	if errno, ok := cgoErrnos[errors.KindOf(err)]; ok {
		return -errno
	}
	return -fuse.EIO
}

func cgoXattrErrno(err error) int {
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return -fuse.ENODATA
	}
	return cgoErrno(err)
}
