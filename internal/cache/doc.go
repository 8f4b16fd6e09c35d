/*
Package cache provides the read cache that sits in front of the spill tier.

When resident memory crosses the spill threshold the content store moves
cold chunks to the spill tier (disk or S3). Reading a spilled chunk goes
through an LRUCache keyed by the chunk's spill key, so repeated reads of
the same cold region do not hit the spill medium each time. Spilled chunks
are immutable, which means cached entries never need invalidation; the
store deletes an entry only when the chunk itself is reclaimed.

The cache is bounded in bytes (memory.spill.read_cache_size) and its
contents are not counted as resident content memory.

	c := cache.NewLRUCache(&cache.CacheConfig{MaxSize: 64 << 20})
	c.Put(key, data)
	if data, ok := c.Get(key); ok {
		...
	}
*/
package cache
