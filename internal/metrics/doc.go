/*
Package metrics counts AgentFS engine operations and exports them.

The Collector always keeps in-process counters: calls and failures per
operation, failures per error code, and bytes moved through handles. The
engine folds these into the Stats it returns on demand.

When enabled, the same calls also feed a Prometheus registry:

	agentfs_operations_total{operation,status}
	agentfs_operation_duration_seconds{operation}
	agentfs_errors_total{operation,code}
	agentfs_bytes_total{direction}

RegisterStats adds gauges and counters that read a types.StatsProvider at
scrape time (open handles, branches, snapshots, live nodes, copy-on-write
counts and so on).

Start serves the registry over HTTP together with /health and
/debug/operations:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "agentfs",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	start := time.Now()
	err = doWork()
	collector.RecordOperation("write", time.Since(start), err)
*/
package metrics
