package fuse

import (
	"sync/atomic"
	"time"

	"github.com/agentharbor/agentfs/internal/config"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// Config represents FUSE filesystem configuration
type Config struct {
	// DefaultUID and DefaultGID identify calls that arrive without a
	// caller, which only happens for kernel-initiated requests.
	DefaultUID uint32 `yaml:"default_uid"`
	DefaultGID uint32 `yaml:"default_gid"`

	// LockWait bounds how long a blocking lock request polls before it
	// reports EAGAIN.
	LockWait time.Duration `yaml:"lock_wait"`
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string `yaml:"mount_point"`
	FSName     string `yaml:"fs_name"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`

	AttrTimeout     time.Duration `yaml:"attr_timeout"`
	EntryTimeout    time.Duration `yaml:"entry_timeout"`
	NegativeTimeout time.Duration `yaml:"negative_timeout"`

	// Filesystem configures request translation.
	Filesystem Config `yaml:"filesystem"`
}

// NewMountConfig builds a mount configuration from the fuse and security
// sections.
func NewMountConfig(mountPoint string, cfg *config.Configuration) *MountConfig {
	return &MountConfig{
		MountPoint:      mountPoint,
		FSName:          cfg.FUSE.FSName,
		AllowOther:      cfg.FUSE.AllowOther,
		Debug:           cfg.FUSE.Debug,
		AttrTimeout:     cfg.FUSE.AttrTTL,
		EntryTimeout:    cfg.FUSE.EntryTTL,
		NegativeTimeout: cfg.FUSE.NegativeTTL,
		Filesystem: Config{
			DefaultUID: cfg.Security.DefaultUID,
			DefaultGID: cfg.Security.DefaultGID,
			LockWait:   30 * time.Second,
		},
	}
}

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

type counters struct {
	lookups      atomic.Int64
	opens        atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	errors       atomic.Int64
}

func (c *counters) snapshot() *FilesystemStats {
	return &FilesystemStats{
		Lookups:      c.lookups.Load(),
		Opens:        c.opens.Load(),
		Reads:        c.reads.Load(),
		Writes:       c.writes.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		Errors:       c.errors.Load(),
	}
}
