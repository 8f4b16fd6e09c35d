//go:build cgofuse

package fuse

import (
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/types"
)

// CreatePlatformMountManager creates the cgofuse mount manager, which
// also serves WinFsp on Windows.
func CreatePlatformMountManager(engine types.FileSystem, config *MountConfig, logger *zap.Logger) PlatformFileSystem {
	return NewCgoFuseMountManager(engine, config, logger)
}
