// Package handles implements the handle table of the engine: open files,
// byte-range locks, share-mode admission and delete-on-close.
//
// Handles on the same inode of the same branch share an openFile. Its
// lifecycle:
//
//	Open          at least one handle, the file is linked at keys
//	PendingDelete the file was unlinked or replaced while open; the last
//	              version is kept alive as an orphan and handles keep
//	              reading and writing it
//	Reclaimed     the last handle closed; the orphan is released and its
//	              content returns to the store
//
// A handle never follows its process to another branch: it keeps the
// branch it was opened on.
package handles
