/*
Package config provides configuration management for the AgentFS engine.

Configuration is assembled from three sources, later sources overriding
earlier ones:

 1. Compiled-in defaults (NewDefault)
 2. A YAML file (LoadFromFile); unknown keys are rejected
 3. AGENTFS_* environment variables (LoadFromEnv)

Validate must pass before the configuration is handed to the engine.

# Sections

	global:        logging (level, file, format, rotation) and metrics port
	filesystem:    case sensitivity, xattr and alternate data stream switches,
	               event tracking and the per-subscriber event buffer
	security:      enforce_posix_permissions, enable_windows_acl_compat,
	               root_bypass_permissions, owner and mode of the root
	memory:        chunk size, resident memory ceiling, spill threshold and the
	               spill tier (none, disk or s3) with its compression codec;
	               s3 also sets the circuit breaker threshold and timeout
	limits:        max_open_handles, max_branches, max_snapshots (0 = unlimited)
	lifecycle:     branch_gc; only "explicit" is supported
	fuse:          mount name and kernel cache TTLs
	monitoring:    Prometheus exporter and the admin API

Sizes are human readable strings ("64KB", "1GB") and are parsed with
utils.ParseBytes; Sizes returns them in bytes.

# Example

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/agentfs/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Environment Variables

	AGENTFS_LOG_LEVEL, AGENTFS_LOG_FILE, AGENTFS_LOG_FORMAT
	AGENTFS_METRICS_PORT, AGENTFS_METRICS_ENABLED
	AGENTFS_CASE_SENSITIVITY, AGENTFS_ENABLE_XATTRS, AGENTFS_ENABLE_ADS
	AGENTFS_TRACK_EVENTS
	AGENTFS_ENFORCE_PERMISSIONS, AGENTFS_WINDOWS_ACL_COMPAT, AGENTFS_ROOT_BYPASS
	AGENTFS_CHUNK_SIZE, AGENTFS_MAX_MEMORY, AGENTFS_SPILL_THRESHOLD
	AGENTFS_SPILL_BACKEND, AGENTFS_SPILL_DIR, AGENTFS_SPILL_MAX_SIZE
	AGENTFS_S3_BUCKET, AGENTFS_S3_PREFIX, AGENTFS_S3_REGION, AGENTFS_S3_ENDPOINT
	AGENTFS_MAX_OPEN_HANDLES, AGENTFS_MAX_BRANCHES, AGENTFS_MAX_SNAPSHOTS
	AGENTFS_API_ENABLED, AGENTFS_API_ADDRESS, AGENTFS_API_CONTROL

Malformed boolean or integer values fail with CONFIG_LOAD rather than being
ignored.
*/
package config
