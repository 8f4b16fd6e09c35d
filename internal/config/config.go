package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// Case sensitivity policies.
const (
	CaseSensitive   = "sensitive"
	CaseInsensitive = "insensitive"
)

// Spill backends.
const (
	SpillNone = "none"
	SpillDisk = "disk"
	SpillS3   = "s3"
)

// BranchGCExplicit keeps branches until they are deleted explicitly.
const BranchGCExplicit = "explicit"

// Configuration represents the complete engine configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Security   SecurityConfig   `yaml:"security"`
	Memory     MemoryConfig     `yaml:"memory"`
	Limits     LimitsConfig     `yaml:"limits"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	FUSE       FUSEConfig       `yaml:"fuse"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogFormat     string `yaml:"log_format"`
	LogMaxSize    string `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	MetricsPort   int    `yaml:"metrics_port"`
}

// FilesystemConfig holds namespace behavior switches
type FilesystemConfig struct {
	CaseSensitivity string `yaml:"case_sensitivity"`
	EnableXattrs    bool   `yaml:"enable_xattrs"`
	EnableADS       bool   `yaml:"enable_ads"`
	TrackEvents     bool   `yaml:"track_events"`
	EventBuffer     int    `yaml:"event_buffer"`
}

// SecurityConfig holds the permission model switches
type SecurityConfig struct {
	EnforcePOSIXPermissions bool   `yaml:"enforce_posix_permissions"`
	EnableWindowsACLCompat  bool   `yaml:"enable_windows_acl_compat"`
	RootBypassPermissions   bool   `yaml:"root_bypass_permissions"`
	DefaultUID              uint32 `yaml:"default_uid"`
	DefaultGID              uint32 `yaml:"default_gid"`
	RootMode                uint32 `yaml:"root_mode"`
}

// MemoryConfig represents content store sizing
type MemoryConfig struct {
	ChunkSize        string      `yaml:"chunk_size"`
	MaxBytesInMemory string      `yaml:"max_bytes_in_memory"`
	SpillThreshold   string      `yaml:"spill_threshold"`
	Spill            SpillConfig `yaml:"spill"`
}

// SpillConfig represents the spill tier
type SpillConfig struct {
	Backend       string        `yaml:"backend"`
	Directory     string        `yaml:"directory"`
	MaxSize       string        `yaml:"max_size"`
	Compression   string        `yaml:"compression"`
	ReadCacheSize string        `yaml:"read_cache_size"`
	S3            S3SpillConfig `yaml:"s3"`
	Retry         RetryConfig   `yaml:"retry"`
}

// S3SpillConfig represents the remote spill bucket
type S3SpillConfig struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// Consecutive failed requests before the tier fails fast, and for how long
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// RetryConfig represents retry settings for spill I/O
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// LimitsConfig caps engine resources. Zero means unlimited.
type LimitsConfig struct {
	MaxOpenHandles int `yaml:"max_open_handles"`
	MaxBranches    int `yaml:"max_branches"`
	MaxSnapshots   int `yaml:"max_snapshots"`
}

// LifecycleConfig represents reclamation policy
type LifecycleConfig struct {
	BranchGC string `yaml:"branch_gc"`
}

// FUSEConfig represents mount settings
type FUSEConfig struct {
	FSName      string        `yaml:"fs_name"`
	AttrTTL     time.Duration `yaml:"attr_ttl"`
	EntryTTL    time.Duration `yaml:"entry_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
	AllowOther  bool          `yaml:"allow_other"`
	Debug       bool          `yaml:"debug"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// APIConfig represents the admin HTTP server
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	EnableControl bool          `yaml:"enable_control"`
	EnableCORS    bool          `yaml:"enable_cors"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	Path         string            `yaml:"path"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// MemorySizes is MemoryConfig with every size parsed to bytes.
type MemorySizes struct {
	ChunkSize        int64
	MaxBytesInMemory int64
	SpillThreshold   int64
	MaxSpill         int64
	ReadCacheSize    int64
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFile:       "",
			LogFormat:     "json",
			LogMaxSize:    "100MB",
			LogMaxBackups: 5,
			MetricsPort:   9464,
		},
		Filesystem: FilesystemConfig{
			CaseSensitivity: CaseSensitive,
			EnableXattrs:    true,
			EnableADS:       true,
			TrackEvents:     true,
			EventBuffer:     256,
		},
		Security: SecurityConfig{
			EnforcePOSIXPermissions: true,
			EnableWindowsACLCompat:  false,
			RootBypassPermissions:   false,
			DefaultUID:              0,
			DefaultGID:              0,
			RootMode:                0o755,
		},
		Memory: MemoryConfig{
			ChunkSize:        "64KB",
			MaxBytesInMemory: "1GB",
			SpillThreshold:   "768MB",
			Spill: SpillConfig{
				Backend:       SpillNone,
				Directory:     filepath.Join(os.TempDir(), "agentfs-spill"),
				MaxSize:       "8GB",
				Compression:   "zstd",
				ReadCacheSize: "64MB",
				S3: S3SpillConfig{
					Prefix:           "agentfs/spill/",
					Region:           "us-east-1",
					BreakerThreshold: 5,
					BreakerTimeout:   30 * time.Second,
				},
				Retry: RetryConfig{
					MaxAttempts: 4,
					BaseDelay:   50 * time.Millisecond,
					MaxDelay:    2 * time.Second,
				},
			},
		},
		Limits: LimitsConfig{
			MaxOpenHandles: 65536,
			MaxBranches:    1024,
			MaxSnapshots:   4096,
		},
		Lifecycle: LifecycleConfig{
			BranchGC: BranchGCExplicit,
		},
		FUSE: FUSEConfig{
			FSName:      "agentfs",
			AttrTTL:     0,
			EntryTTL:    0,
			NegativeTTL: 0,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Namespace: "agentfs",
				Path:      "/metrics",
			},
			API: APIConfig{
				Enabled:       false,
				Address:       "localhost:8086",
				EnableControl: true,
				ReadTimeout:   30 * time.Second,
				WriteTimeout:  30 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to read config file")
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to parse config file")
	}

	return nil
}

// LoadFromEnv applies AGENTFS_* environment overrides
func (c *Configuration) LoadFromEnv() error {
	strs := map[string]*string{
		"AGENTFS_LOG_LEVEL":        &c.Global.LogLevel,
		"AGENTFS_LOG_FILE":         &c.Global.LogFile,
		"AGENTFS_LOG_FORMAT":       &c.Global.LogFormat,
		"AGENTFS_CASE_SENSITIVITY": &c.Filesystem.CaseSensitivity,
		"AGENTFS_CHUNK_SIZE":       &c.Memory.ChunkSize,
		"AGENTFS_MAX_MEMORY":       &c.Memory.MaxBytesInMemory,
		"AGENTFS_SPILL_THRESHOLD":  &c.Memory.SpillThreshold,
		"AGENTFS_SPILL_BACKEND":    &c.Memory.Spill.Backend,
		"AGENTFS_SPILL_DIR":        &c.Memory.Spill.Directory,
		"AGENTFS_SPILL_MAX_SIZE":   &c.Memory.Spill.MaxSize,
		"AGENTFS_S3_BUCKET":        &c.Memory.Spill.S3.Bucket,
		"AGENTFS_S3_PREFIX":        &c.Memory.Spill.S3.Prefix,
		"AGENTFS_S3_REGION":        &c.Memory.Spill.S3.Region,
		"AGENTFS_S3_ENDPOINT":      &c.Memory.Spill.S3.Endpoint,
		"AGENTFS_API_ADDRESS":      &c.Monitoring.API.Address,
	}
	for key, dst := range strs {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	bools := map[string]*bool{
		"AGENTFS_ENFORCE_PERMISSIONS": &c.Security.EnforcePOSIXPermissions,
		"AGENTFS_WINDOWS_ACL_COMPAT":  &c.Security.EnableWindowsACLCompat,
		"AGENTFS_ROOT_BYPASS":         &c.Security.RootBypassPermissions,
		"AGENTFS_ENABLE_XATTRS":       &c.Filesystem.EnableXattrs,
		"AGENTFS_ENABLE_ADS":          &c.Filesystem.EnableADS,
		"AGENTFS_TRACK_EVENTS":        &c.Filesystem.TrackEvents,
		"AGENTFS_METRICS_ENABLED":     &c.Monitoring.Metrics.Enabled,
		"AGENTFS_API_ENABLED":         &c.Monitoring.API.Enabled,
		"AGENTFS_API_CONTROL":         &c.Monitoring.API.EnableControl,
	}
	for key, dst := range bools {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.Wrap(errors.ErrCodeConfigLoad, err, fmt.Sprintf("invalid boolean in %s", key))
		}
		*dst = b
	}

	ints := map[string]*int{
		"AGENTFS_METRICS_PORT":     &c.Global.MetricsPort,
		"AGENTFS_MAX_OPEN_HANDLES": &c.Limits.MaxOpenHandles,
		"AGENTFS_MAX_BRANCHES":     &c.Limits.MaxBranches,
		"AGENTFS_MAX_SNAPSHOTS":    &c.Limits.MaxSnapshots,
	}
	for key, dst := range ints {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrap(errors.ErrCodeConfigLoad, err, fmt.Sprintf("invalid integer in %s", key))
		}
		*dst = n
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, err, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, err, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, err, "failed to write config file")
	}

	return nil
}

// Sizes parses the memory section. With the none backend MaxSpill is zero.
func (c *Configuration) Sizes() (MemorySizes, error) {
	var sizes MemorySizes
	fields := []struct {
		name string
		in   string
		out  *int64
	}{
		{"chunk_size", c.Memory.ChunkSize, &sizes.ChunkSize},
		{"max_bytes_in_memory", c.Memory.MaxBytesInMemory, &sizes.MaxBytesInMemory},
		{"spill_threshold", c.Memory.SpillThreshold, &sizes.SpillThreshold},
		{"spill.max_size", c.Memory.Spill.MaxSize, &sizes.MaxSpill},
		{"spill.read_cache_size", c.Memory.Spill.ReadCacheSize, &sizes.ReadCacheSize},
	}
	for _, f := range fields {
		n, err := utils.ParseBytes(f.in)
		if err != nil {
			return MemorySizes{}, errors.Wrap(errors.ErrCodeConfigValidation, err,
				fmt.Sprintf("invalid %s: %q", f.name, f.in))
		}
		*f.out = n
	}
	if c.Memory.Spill.Backend == SpillNone {
		sizes.MaxSpill = 0
	}
	return sizes, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeConfigValidation, format, args...)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !slices.Contains(validLogLevels, c.Global.LogLevel) {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Global.LogFormat != "json" && c.Global.LogFormat != "console" {
		return invalid("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}
	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return invalid("metrics_port out of range: %d", c.Global.MetricsPort)
	}

	switch c.Filesystem.CaseSensitivity {
	case CaseSensitive, CaseInsensitive:
	default:
		return invalid("invalid case_sensitivity: %s", c.Filesystem.CaseSensitivity)
	}
	if c.Filesystem.EventBuffer <= 0 {
		return invalid("event_buffer must be greater than 0")
	}
	if c.Security.RootMode&^0o7777 != 0 {
		return invalid("root_mode has bits outside 07777: %o", c.Security.RootMode)
	}

	sizes, err := c.Sizes()
	if err != nil {
		return err
	}
	if sizes.ChunkSize <= 0 {
		return invalid("chunk_size must be greater than 0")
	}
	if sizes.MaxBytesInMemory < sizes.ChunkSize {
		return invalid("max_bytes_in_memory must hold at least one chunk")
	}
	if sizes.SpillThreshold <= 0 || sizes.SpillThreshold > sizes.MaxBytesInMemory {
		return invalid("spill_threshold must be in (0, max_bytes_in_memory]")
	}

	switch c.Memory.Spill.Backend {
	case SpillNone:
	case SpillDisk:
		if c.Memory.Spill.Directory == "" {
			return invalid("spill.directory is required for the disk backend")
		}
	case SpillS3:
		if c.Memory.Spill.S3.Bucket == "" {
			return invalid("spill.s3.bucket is required for the s3 backend")
		}
	default:
		return invalid("invalid spill.backend: %s", c.Memory.Spill.Backend)
	}
	switch c.Memory.Spill.Compression {
	case "none", "zstd", "lz4":
	default:
		return invalid("invalid spill.compression: %s", c.Memory.Spill.Compression)
	}

	if c.Limits.MaxOpenHandles < 0 || c.Limits.MaxBranches < 0 || c.Limits.MaxSnapshots < 0 {
		return invalid("limits cannot be negative")
	}
	if c.Monitoring.API.Enabled && c.Monitoring.API.Address == "" {
		return invalid("monitoring.api.address is required when the api is enabled")
	}
	if c.Lifecycle.BranchGC != BranchGCExplicit {
		return invalid("unsupported lifecycle.branch_gc: %s (only %s)", c.Lifecycle.BranchGC, BranchGCExplicit)
	}

	return nil
}
