//go:build !cgofuse

package fuse

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// errnos maps every engine error code to the errno reported to the kernel.
// Codes missing from the table fall back to EIO.
var errnos = map[errors.ErrorCode]syscall.Errno{
	errors.ErrCodeNotFound:        unix.ENOENT,
	errors.ErrCodeAlreadyExists:   unix.EEXIST,
	errors.ErrCodeNotADirectory:   unix.ENOTDIR,
	errors.ErrCodeIsADirectory:    unix.EISDIR,
	errors.ErrCodeNotEmpty:        unix.ENOTEMPTY,
	errors.ErrCodeInvalidName:     unix.EINVAL,
	errors.ErrCodeInvalidArgument: unix.EINVAL,
	errors.ErrCodeStaleHandle:     unix.EBADF,
	errors.ErrCodeUnsupported:     unix.ENOTSUP,

	errors.ErrCodeAccessDenied: unix.EACCES,

	errors.ErrCodeLocked: unix.EAGAIN,
	errors.ErrCodeInUse:  unix.EBUSY,

	errors.ErrCodeOutOfSpace:    unix.ENOSPC,
	errors.ErrCodeResourceLimit: unix.EMFILE,

	errors.ErrCodeSpillIO:      unix.EIO,
	errors.ErrCodeSpillCorrupt: unix.EIO,

	errors.ErrCodeInvalidConfig:    unix.EINVAL,
	errors.ErrCodeConfigValidation: unix.EINVAL,
	errors.ErrCodeConfigLoad:       unix.EINVAL,
	errors.ErrCodeConfigSave:       unix.EINVAL,

	errors.ErrCodeShutdown:      unix.ENOTCONN,
	errors.ErrCodeInternalError: unix.EIO,
}

// errNoAttr is returned for a missing extended attribute.
const errNoAttr = unix.ENODATA

// Errno translates an engine error into an errno. nil maps to 0 and
// foreign errors map to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := errnos[errors.KindOf(err)]; ok {
		return errno
	}
	return unix.EIO
}

// xattrErrno is Errno for xattr calls, where NOT_FOUND names the attribute
// rather than the file.
func xattrErrno(err error) syscall.Errno {
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return errNoAttr
	}
	return Errno(err)
}
