/*
Package adapter runs one AgentFS mount.

An Adapter builds the engine from a Configuration and wires the servers
around it:

	engine      pkg/core, with the configured spill tier
	mount       internal/fuse, go-fuse or cgofuse by build tag
	admin API   pkg/api, when monitoring.api.enabled is set
	metrics     internal/metrics, when monitoring.metrics.enabled is set

Start brings the servers up and mounts last; if the mount fails the
servers are stopped again. Stop unmounts first, so no request reaches an
engine that is shutting down, then stops the API and shuts the engine
down, which releases every handle, branch and snapshot.

Usage:

	a, err := adapter.New(ctx, "/mnt/agent", cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())
	a.Wait()
*/
package adapter
