/*
Package fuse mounts the AgentFS engine as a POSIX filesystem.

The package is a thin adapter: it owns no namespace state, it only turns
kernel requests into Core API calls and engine errors into errno values.
Two implementations are selected by build tag:

	go-fuse  (default)       Linux, talks to /dev/fuse directly
	cgofuse  (-tags cgofuse) macFUSE on macOS, WinFsp on Windows

# Branches and the Kernel Cache

Each process may be bound to a different branch, yet the kernel keeps one
inode tree and one page cache per mount. The adapter therefore:

  - resolves the full path on every call instead of caching node state
  - opens every file with FOPEN_DIRECT_IO so reads bypass the page cache
  - lets go-fuse number inodes, because engine inode numbers repeat
    across branches

Attribute and entry timeouts default to zero for the same reason.

# Callers

Every request carries the caller's pid, uid and gid. Supplementary groups
are read from /proc/<pid>/status; when procfs is missing only the primary
group is known. An open handle remembers the caller that opened it, since
release may arrive from another process.

# Names

Engine names are UTF-8. A name that is not valid UTF-8 is percent-encoded
by EncodeName and its raw bytes are kept in the RawNameXattr extended
attribute.

# Locks

F_SETLK and F_GETLK map onto the engine's byte-range locks. The engine
never blocks, so F_SETLKW polls with backoff through pkg/retry until the
lock is granted, the request is interrupted (EINTR) or Config.LockWait
runs out (EAGAIN).

# Errors

Errno maps every engine error code to an errno; unknown errors become
EIO. Extended attribute calls report a missing attribute as ENODATA.
*/
package fuse
