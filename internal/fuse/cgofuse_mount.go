//go:build cgofuse

package fuse

import (
	"context"
	"runtime"
	"sync"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	mu         sync.Mutex
	filesystem *CgoFuseFS
	host       *fuse.FileSystemHost
	config     *MountConfig
	logger     *zap.Logger
	done       chan struct{}
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(engine types.FileSystem, config *MountConfig, logger *zap.Logger) *CgoFuseMountManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(engine, &config.Filesystem, logger),
		config:     config,
		logger:     logger.Named("fuse"),
	}
}

func (m *CgoFuseMountManager) options() []string {
	name := m.config.FSName
	if name == "" {
		name = "agentfs"
	}
	opts := []string{"-o", "fsname=" + name}
	if m.config.AllowOther {
		opts = append(opts, "-o", "allow_other")
	}
	if m.config.ReadOnly {
		opts = append(opts, "-o", "ro")
	}
	if m.config.Debug {
		opts = append(opts, "-d")
	}
	switch runtime.GOOS {
	case "darwin":
		opts = append(opts, "-o", "volname="+name)
	case "windows":
		opts = append(opts, "-o", "FileSystemName="+name)
	}
	return opts
}

// Mount starts the host and returns once it reports the mount live or
// the mount fails.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host != nil {
		return errors.NewError(errors.ErrCodeAlreadyExists, "filesystem is already mounted").
			WithComponent("fuse").WithOperation("mount")
	}
	if m.config.MountPoint == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "mount point cannot be empty").
			WithComponent("fuse").WithOperation("mount")
	}

	host := fuse.NewFileSystemHost(m.filesystem)
	done := make(chan struct{})
	failed := make(chan struct{})
	go func() {
		defer close(done)
		if !host.Mount(m.config.MountPoint, m.options()) {
			close(failed)
			return
		}
		m.logger.Info("FUSE host stopped", zap.String("mount_point", m.config.MountPoint))
		m.mu.Lock()
		if m.host == host {
			m.host = nil
		}
		m.mu.Unlock()
	}()

	mountErr := func(msg string) error {
		return errors.NewError(errors.ErrCodeInternalError, msg).
			WithComponent("fuse").WithOperation("mount").
			WithContext("mount_point", m.config.MountPoint)
	}
	select {
	case <-m.filesystem.ready:
	case <-failed:
		return mountErr("failed to mount filesystem")
	case <-ctx.Done():
		host.Unmount()
		<-done
		return errors.Wrap(errors.ErrCodeShutdown, ctx.Err(), "mount canceled").
			WithComponent("fuse").WithOperation("mount")
	}

	m.host, m.done = host, done
	m.logger.Info("Filesystem mounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

// Unmount unmounts the filesystem and waits for the host to stop.
func (m *CgoFuseMountManager) Unmount() error {
	m.mu.Lock()
	host, done := m.host, m.done
	m.mu.Unlock()

	if host == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "filesystem is not mounted").
			WithComponent("fuse").WithOperation("unmount")
	}
	m.logger.Info("Unmounting filesystem", zap.String("mount_point", m.config.MountPoint))
	if !host.Unmount() {
		return errors.NewError(errors.ErrCodeInUse, "unmount failed").
			WithComponent("fuse").WithOperation("unmount").
			WithContext("mount_point", m.config.MountPoint)
	}
	<-done
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host != nil
}

// Wait blocks until the filesystem is unmounted.
func (m *CgoFuseMountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
