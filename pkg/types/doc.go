/*
Package types defines the data structures shared between the AgentFS engine
and the platform adapters that drive it.

The attribute exchange shape (Attributes, SetAttributes), open and lock
options, caller identity and event records live here so that the FUSE,
WinFsp and FSKit hosts all map to and from the same fields.

# Core API

FileSystem is the single interface adapters call into. Each method takes
the caller identity (uid, gid, supplementary groups, pid); the engine uses
the pid to select the branch the caller observes and the credentials for
permission checks. Control groups the snapshot, branch and binding
operations exposed through the control plane.

# Identity

SnapshotID and BranchID are opaque strings. DefaultBranch names the live
tree observed by processes without a binding. HandleID values are never
reused within one engine instance.
*/
package types
