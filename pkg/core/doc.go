/*
Package core provides the AgentFS engine, the Core API that platform
adapters and the control plane call into.

An Engine owns one node graph shared by every branch and snapshot it
creates. Each call carries a types.Caller; the engine looks up the
caller's process binding to choose the branch the call applies to, and
processes without a binding see the default branch.

# Branches and snapshots

Snapshots are immutable roots captured in constant time. Branches are
writable roots: a mutation copies only the nodes on the path from the
root to the changed entry and swaps the branch root when it commits.
Readers pin a root and never wait for writers.

	e, err := core.New(ctx, cfg, core.WithLogger(logger))
	...
	snap, err := e.SnapshotCreate(ctx, caller, types.DefaultBranch, "base")
	b, err := e.BranchCreateFromSnapshot(ctx, snap.ID, "agent-1")
	err = e.BindProcess(ctx, pid, b.ID)

# Handles

A handle stays on the branch it was opened on, whatever the process is
bound to later. Unlinking a file that has open handles removes its name
at once; the content is reclaimed when the last handle closes.
*/
package core
