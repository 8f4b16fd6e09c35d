//go:build !cgofuse

package fuse

import (
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/types"
)

// CreatePlatformMountManager creates the go-fuse mount manager.
func CreatePlatformMountManager(engine types.FileSystem, config *MountConfig, logger *zap.Logger) PlatformFileSystem {
	return NewMountManager(NewFileSystem(engine, &config.Filesystem, logger), config, logger)
}
