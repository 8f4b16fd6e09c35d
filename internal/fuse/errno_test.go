//go:build !cgofuse

package fuse

import (
	stderrors "errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentharbor/agentfs/pkg/errors"
)

func TestErrnoCoversEveryCode(t *testing.T) {
	for _, code := range errors.AllCodes() {
		errno, ok := errnos[code]
		if !assert.True(t, ok, "no errno for %s", code) {
			continue
		}
		assert.NotZero(t, errno, code)
	}
}

func TestErrnoOnlyIOFailuresAreEIO(t *testing.T) {
	eio := map[errors.ErrorCode]bool{
		errors.ErrCodeSpillIO:       true,
		errors.ErrCodeSpillCorrupt:  true,
		errors.ErrCodeInternalError: true,
	}
	for code, errno := range errnos {
		assert.Equal(t, eio[code], errno == syscall.EIO, code)
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not found", errors.NewError(errors.ErrCodeNotFound, "x"), syscall.ENOENT},
		{"wrapped", errors.Wrap(errors.ErrCodeNotEmpty, stderrors.New("inner"), "x"), syscall.ENOTEMPTY},
		{"locked", errors.NewError(errors.ErrCodeLocked, "x"), syscall.EAGAIN},
		{"shutdown", errors.NewError(errors.ErrCodeShutdown, "x"), syscall.ENOTCONN},
		{"foreign", stderrors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestXattrErrno(t *testing.T) {
	assert.Equal(t, errNoAttr, xattrErrno(errors.NewError(errors.ErrCodeNotFound, "no attr")))
	assert.Equal(t, syscall.EACCES, xattrErrno(errors.NewError(errors.ErrCodeAccessDenied, "x")))
}
