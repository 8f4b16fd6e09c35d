//go:build !cgofuse

package fuse

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// umount2 flags.
const (
	mntForce  = 1
	mntDetach = 2
)

// MountManager manages FUSE mount operations
type MountManager struct {
	mu         sync.Mutex
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	logger     *zap.Logger
	done       chan struct{}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger *zap.Logger) *MountManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger.Named("fuse"),
	}
}

// Mount mounts the filesystem and serves it in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return errors.NewError(errors.ErrCodeAlreadyExists, "filesystem is already mounted").
			WithComponent("fuse").WithOperation("mount")
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, err, "failed to mount filesystem").
			WithComponent("fuse").WithOperation("mount").
			WithContext("mount_point", m.config.MountPoint)
	}

	done := make(chan struct{})
	m.server, m.done = server, done
	m.logger.Info("Filesystem mounted", zap.String("mount_point", m.config.MountPoint))

	go func() {
		server.Wait()
		m.logger.Info("FUSE server stopped", zap.String("mount_point", m.config.MountPoint))
		m.mu.Lock()
		if m.server == server {
			m.server = nil
		}
		m.mu.Unlock()
		close(done)
	}()
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server, done := m.server, m.done
	m.mu.Unlock()

	if server == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "filesystem is not mounted").
			WithComponent("fuse").WithOperation("unmount")
	}

	m.logger.Info("Unmounting filesystem", zap.String("mount_point", m.config.MountPoint))
	if err := server.Unmount(); err != nil {
		m.logger.Warn("Normal unmount failed, trying force unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return errors.Wrap(errors.ErrCodeInUse, err, "unmount failed").
				WithComponent("fuse").WithOperation("unmount").
				WithDetail("force_error", forceErr.Error())
		}
	}
	<-done
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server != nil
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the filesystem is unmounted.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	if m.filesystem == nil {
		return &FilesystemStats{}
	}
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	invalid := func(msg string, err error) error {
		e := errors.NewError(errors.ErrCodeInvalidArgument, msg).
			WithComponent("fuse").WithOperation("mount").
			WithContext("mount_point", m.config.MountPoint)
		if err != nil {
			e = e.WithCause(err)
		}
		return e
	}

	if m.config.MountPoint == "" {
		return invalid("mount point cannot be empty", nil)
	}
	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		return invalid("cannot access mount point", err)
	}
	if !info.IsDir() {
		return invalid("mount point is not a directory", nil)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return invalid("cannot read mount point directory", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("Mount point is not empty", zap.String("mount_point", m.config.MountPoint))
	}

	if isMountPoint(m.config.MountPoint) {
		return errors.NewError(errors.ErrCodeInUse, "mount point is already mounted").
			WithComponent("fuse").WithOperation("mount").
			WithContext("mount_point", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        o.FSName,
			FsName:      o.FSName,
			DirectMount: true,
			Debug:       o.Debug,
			AllowOther:  o.AllowOther,
		},
		AttrTimeout:     &o.AttrTimeout,
		EntryTimeout:    &o.EntryTimeout,
		NegativeTimeout: &o.NegativeTimeout,
	}
	if o.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	return opts
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, mntDetach); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, mntForce)
}

// isMountPoint reports whether dir appears as a mount target in
// /proc/mounts. Without procfs it reports false.
func isMountPoint(dir string) bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()
	return mountsContain(bufio.NewScanner(f), filepath.Clean(dir))
}

func mountsContain(sc *bufio.Scanner, dir string) bool {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[1] == dir {
			return true
		}
	}
	return false
}
