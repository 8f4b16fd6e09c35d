package fuse

import "context"

// PlatformFileSystem is a mounted host for the engine.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
	GetStats() *FilesystemStats
}
