/*
Package storage implements the content store behind every file stream.

A content is the byte sequence of one stream. The store splits it into
fixed-size chunks and reference counts both levels, so that cloning a
content for a branch or snapshot costs one counter bump per chunk:

	content 7 (refs 1)        content 9 (refs 1)
	  [0] ----> chunk a (refs 2) <---- [0]
	  [1] ----> chunk b (refs 2) <---- [1]
	  [2]  nil (hole)                  [2] ----> chunk c (refs 1)

Writing content 9 at offset 2*ChunkSize created chunk c without touching
content 7. Writing chunk a through either content would first copy it.

# Ownership

Every ContentRef handed out by Alloc or CloneCOW carries one reference.
Write and Truncate consume the caller's reference when they have to copy:

	ref, err = store.Write(ctx, ref, off, data)

always leaves the caller owning exactly the returned ref. On error the
original ref is unchanged. Release drops a reference and reclaims the
content and any chunks nobody else shares.

# Memory and spill

Resident bytes are bounded by MaxMemory. Above SpillThreshold a background
worker moves least recently used chunks into a spill.Store (local disk or
S3) as checksummed, optionally compressed frames. Reads of spilled chunks
are transparent; a write rehydrates the chunk. A request that cannot fit
in memory plus spill capacity fails with OUT_OF_SPACE and leaves the
content unmodified.

	resident ──(threshold)──> spiller ──Encode──> spill.Store
	    ^                                              │
	    └──────── write rehydrates <──Decode── read ───┘
*/
package storage
