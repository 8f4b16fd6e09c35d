/*
Package tree implements the versioned directory tree shared by every branch
and snapshot of an engine.

Nodes are immutable once published. A mutation clones the nodes from the
root down to the changed entry (path copy) and leaves every sibling subtree
shared by reference:

	old root            new root
	  ├── a  ─────────>   ├── a'
	  │   └── f           │   └── f'   (written)
	  └── c  <────────────┴── c        (shared)

Ownership is explicit. Each directory entry and each root holder owns one
reference; Release at zero gives back the node's children and its stream
contents. When a path is referenced by nothing but its own root, a clone
takes over the references of the version it replaces instead of copying
them, and file contents are edited in place in the content store. Before
such an edit the transaction claims every node on the path, so nobody can
pin the root until the new one is published or the transaction aborts.

Permission checks follow POSIX: search permission on every directory
walked, read and search to list, write and search on a directory to change
its entries, sticky directories restrict deletion, and only uid 0 changes
owners. Named ACL entries take part in checks through the mask.
*/
package tree
