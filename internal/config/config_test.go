package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestMaxMemory  = "2GB"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Filesystem.CaseSensitivity != CaseSensitive {
		t.Errorf("Expected case sensitive default, got %s", cfg.Filesystem.CaseSensitivity)
	}
	if !cfg.Security.EnforcePOSIXPermissions {
		t.Error("Expected permissions to be enforced by default")
	}
	if cfg.Security.RootBypassPermissions {
		t.Error("Expected root bypass to be disabled by default")
	}
	if cfg.Security.EnableWindowsACLCompat {
		t.Error("Expected Windows compatibility to be disabled by default")
	}
	if cfg.Memory.Spill.Backend != SpillNone {
		t.Errorf("Expected spill backend none, got %s", cfg.Memory.Spill.Backend)
	}
	if cfg.Lifecycle.BranchGC != BranchGCExplicit {
		t.Errorf("Expected explicit branch GC, got %s", cfg.Lifecycle.BranchGC)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration should validate: %v", err)
	}
}

func TestSizes(t *testing.T) {
	cfg := NewDefault()

	sizes, err := cfg.Sizes()
	if err != nil {
		t.Fatalf("Sizes() error = %v", err)
	}
	if sizes.ChunkSize != 64<<10 {
		t.Errorf("Expected 64KB chunks, got %d", sizes.ChunkSize)
	}
	if sizes.MaxBytesInMemory != 1<<30 {
		t.Errorf("Expected 1GB memory, got %d", sizes.MaxBytesInMemory)
	}
	if sizes.MaxSpill != 0 {
		t.Errorf("Expected no spill capacity without a backend, got %d", sizes.MaxSpill)
	}

	cfg.Memory.Spill.Backend = SpillDisk
	sizes, err = cfg.Sizes()
	if err != nil {
		t.Fatalf("Sizes() error = %v", err)
	}
	if sizes.MaxSpill != 8<<30 {
		t.Errorf("Expected 8GB spill capacity, got %d", sizes.MaxSpill)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Configuration)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Configuration) {},
		},
		{
			name:    "invalid log level",
			mutate:  func(cfg *Configuration) { cfg.Global.LogLevel = "INVALID" },
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "invalid case sensitivity",
			mutate:  func(cfg *Configuration) { cfg.Filesystem.CaseSensitivity = "mixed" },
			wantErr: true,
			errMsg:  "invalid case_sensitivity",
		},
		{
			name:    "unparseable size",
			mutate:  func(cfg *Configuration) { cfg.Memory.ChunkSize = "big" },
			wantErr: true,
			errMsg:  "invalid chunk_size",
		},
		{
			name:    "threshold above memory",
			mutate:  func(cfg *Configuration) { cfg.Memory.SpillThreshold = "2GB" },
			wantErr: true,
			errMsg:  "spill_threshold",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(cfg *Configuration) { cfg.Memory.Spill.Backend = SpillS3 },
			wantErr: true,
			errMsg:  "spill.s3.bucket",
		},
		{
			name: "s3 with bucket",
			mutate: func(cfg *Configuration) {
				cfg.Memory.Spill.Backend = SpillS3
				cfg.Memory.Spill.S3.Bucket = "agent-spill"
			},
		},
		{
			name:    "unknown compression",
			mutate:  func(cfg *Configuration) { cfg.Memory.Spill.Compression = "brotli" },
			wantErr: true,
			errMsg:  "spill.compression",
		},
		{
			name:    "negative limit",
			mutate:  func(cfg *Configuration) { cfg.Limits.MaxBranches = -1 },
			wantErr: true,
			errMsg:  "limits cannot be negative",
		},
		{
			name: "api without address",
			mutate: func(cfg *Configuration) {
				cfg.Monitoring.API.Enabled = true
				cfg.Monitoring.API.Address = ""
			},
			wantErr: true,
			errMsg:  "monitoring.api.address",
		},
		{
			name:    "automatic branch gc",
			mutate:  func(cfg *Configuration) { cfg.Lifecycle.BranchGC = "auto" },
			wantErr: true,
			errMsg:  "branch_gc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil {
				return
			}
			if !errors.IsCode(err, errors.ErrCodeConfigValidation) {
				t.Errorf("Expected CONFIG_VALIDATION, got %v", err)
			}
			if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9090

filesystem:
  case_sensitivity: insensitive
  track_events: false

security:
  enable_windows_acl_compat: true
  root_bypass_permissions: true

memory:
  max_bytes_in_memory: 2GB
  spill:
    backend: disk
    directory: /var/tmp/agentfs

fuse:
  attr_ttl: 5s
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Filesystem.CaseSensitivity != CaseInsensitive {
		t.Errorf("Expected insensitive, got %s", cfg.Filesystem.CaseSensitivity)
	}
	if cfg.Filesystem.TrackEvents {
		t.Error("Expected TrackEvents to be false")
	}
	if !cfg.Security.EnableWindowsACLCompat || !cfg.Security.RootBypassPermissions {
		t.Error("Expected security switches to be loaded")
	}
	if cfg.Memory.MaxBytesInMemory != TestMaxMemory {
		t.Errorf("Expected 2GB, got %s", cfg.Memory.MaxBytesInMemory)
	}
	if cfg.Memory.Spill.Backend != SpillDisk || cfg.Memory.Spill.Directory != "/var/tmp/agentfs" {
		t.Errorf("Unexpected spill config: %+v", cfg.Memory.Spill)
	}
	if cfg.FUSE.AttrTTL != 5*time.Second {
		t.Errorf("Expected attr_ttl 5s, got %v", cfg.FUSE.AttrTTL)
	}
	// untouched sections keep their defaults
	if cfg.Memory.ChunkSize != "64KB" {
		t.Errorf("Expected default chunk size, got %s", cfg.Memory.ChunkSize)
	}
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("global:\n  log_levle: DEBUG\n"), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	err := NewDefault().LoadFromFile(configFile)
	if !errors.IsCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD for a misspelled key, got %v", err)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"AGENTFS_LOG_LEVEL":           "ERROR",
		"AGENTFS_METRICS_PORT":        "9090",
		"AGENTFS_MAX_MEMORY":          TestMaxMemory,
		"AGENTFS_ENFORCE_PERMISSIONS": "false",
		"AGENTFS_ROOT_BYPASS":         "true",
		"AGENTFS_SPILL_BACKEND":       SpillS3,
		"AGENTFS_S3_BUCKET":           "agent-spill",
		"AGENTFS_MAX_OPEN_HANDLES":    "10",
		"AGENTFS_TRACK_EVENTS":        "0",
		"AGENTFS_API_ENABLED":         "true",
		"AGENTFS_API_ADDRESS":         "127.0.0.1:9999",
	}

	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Memory.MaxBytesInMemory != TestMaxMemory {
		t.Errorf("Expected MaxBytesInMemory to be 2GB, got %s", cfg.Memory.MaxBytesInMemory)
	}
	if cfg.Security.EnforcePOSIXPermissions {
		t.Error("Expected EnforcePOSIXPermissions to be false")
	}
	if !cfg.Security.RootBypassPermissions {
		t.Error("Expected RootBypassPermissions to be true")
	}
	if cfg.Memory.Spill.Backend != SpillS3 || cfg.Memory.Spill.S3.Bucket != "agent-spill" {
		t.Errorf("Unexpected spill config: %+v", cfg.Memory.Spill)
	}
	if cfg.Limits.MaxOpenHandles != 10 {
		t.Errorf("Expected MaxOpenHandles 10, got %d", cfg.Limits.MaxOpenHandles)
	}
	if cfg.Filesystem.TrackEvents {
		t.Error("Expected TrackEvents to be false")
	}
	if !cfg.Monitoring.API.Enabled || cfg.Monitoring.API.Address != "127.0.0.1:9999" {
		t.Errorf("Unexpected api config: %+v", cfg.Monitoring.API)
	}
}

func TestLoadFromEnvInvalidValue(t *testing.T) {
	t.Setenv("AGENTFS_ROOT_BYPASS", "sometimes")

	err := NewDefault().LoadFromEnv()
	if !errors.IsCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD, got %v", err)
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = TestDebugLevel
	cfg.Memory.MaxBytesInMemory = TestMaxMemory
	cfg.FUSE.EntryTTL = 3 * time.Second

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Memory.MaxBytesInMemory != TestMaxMemory {
		t.Errorf("Expected MaxBytesInMemory to be 2GB, got %s", newCfg.Memory.MaxBytesInMemory)
	}
	if newCfg.FUSE.EntryTTL != 3*time.Second {
		t.Errorf("Expected EntryTTL 3s, got %v", newCfg.FUSE.EntryTTL)
	}
}

func TestSaveToFileCreateDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := NewDefault()
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
}
