/*
Package branch manages writable trees.

Every branch holds one reference to its current root. A write runs a
tree transaction under the branch write lock and publishes the new root
with a single atomic store, so mutations on one branch are linearizable
while branches never contend with each other:

	Update:  lock -> Begin(root) -> op -> store(new root) -> Finish -> Release(old) -> unlock
	Acquire: load root -> TryRetain (retry if reclaimed, read lock if claimed)

A reader that pinned a root keeps it, and everything reachable from it,
alive after writers move on.

Branches created from a snapshot record a dependency on it; the snapshot
cannot be deleted while the branch exists. Branches are only reclaimed by
an explicit Delete, which refuses branches with bound processes or open
handles.
*/
package branch
