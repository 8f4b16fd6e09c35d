package storage

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/cache"
	"github.com/agentharbor/agentfs/internal/storage/spill"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// ContentRef identifies one logical content object. Refs are never reused.
type ContentRef uint64

// Config configures a Store.
type Config struct {
	// ChunkSize is the fixed span of file offsets covered by one chunk.
	ChunkSize int64
	// MaxMemory bounds resident chunk bytes.
	MaxMemory int64
	// SpillThreshold starts background spilling when exceeded.
	SpillThreshold int64
	// MaxSpill bounds spilled bytes. Ignored when Spill is nil.
	MaxSpill int64
	// Spill is the secondary tier; nil keeps everything in memory.
	Spill spill.Store
	// Compression is the spill frame codec: none, zstd or lz4.
	Compression string
	// ReadCacheSize bounds the cache of rehydrated spilled chunks.
	ReadCacheSize int64
	Logger        *zap.Logger
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	LiveContents  int64            `json:"live_contents"`
	LiveChunks    int64            `json:"live_chunks"`
	BytesInMemory int64            `json:"bytes_in_memory"`
	BytesSpilled  int64            `json:"bytes_spilled"`
	CowCopies     uint64           `json:"cow_copies"`
	ChunkCopies   uint64           `json:"chunk_copies"`
	SpillWrites   uint64           `json:"spill_writes"`
	SpillReads    uint64           `json:"spill_reads"`
	SpillErrors   uint64           `json:"spill_errors"`
	ReadCache     types.CacheStats `json:"read_cache"`
}

// Store is a chunked, reference counted content store with copy-on-write.
//
// A content is a refcounted list of chunk pointers, one per ChunkSize span
// of the file; nil entries are holes that read as zeros. Chunks are
// refcounted too, so CloneCOW only bumps chunk counts. A write mutates a
// chunk in place when its content and the chunk are both exclusively
// owned and copies the chunk otherwise.
//
// Lock order: content.mu, then chunk.mu, then Store.lruMu. The spiller
// only ever TryLocks chunks.
type Store struct {
	cfg    Config
	limit  int64
	logger *zap.Logger
	codec  *spill.Codec
	cache  *cache.LRUCache

	nextRef   atomic.Uint64
	nextChunk atomic.Uint64
	contents  sync.Map // ContentRef -> *content

	resident     atomic.Int64
	spilled      atomic.Int64
	liveContents atomic.Int64
	liveChunks   atomic.Int64
	cowCopies    atomic.Uint64
	chunkCopies  atomic.Uint64
	spillWrites  atomic.Uint64
	spillReads   atomic.Uint64
	spillErrors  atomic.Uint64

	// resident chunks, most recently used at the front
	lruMu sync.Mutex
	lru   *list.List

	ctx       context.Context
	cancel    context.CancelFunc
	spillCh   chan struct{}
	deletes   chan string
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type content struct {
	refs atomic.Int32

	mu     sync.RWMutex
	size   int64
	chunks []*chunk
	dead   bool
}

type chunk struct {
	id   uint64
	refs atomic.Int32

	mu   sync.Mutex
	data []byte // nil while spilled
	key  string // spill key while spilled
	// size is len(data) while resident and the raw length while spilled.
	// It only changes under the owning content's write lock.
	size int

	elem *list.Element // guarded by Store.lruMu
}

// New creates a Store and, when a spill tier is configured, starts its
// background spiller.
func New(cfg Config) (*Store, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = 1 << 30
	}
	if cfg.SpillThreshold <= 0 || cfg.SpillThreshold > cfg.MaxMemory {
		cfg.SpillThreshold = cfg.MaxMemory / 4 * 3
	}
	if cfg.Spill == nil {
		cfg.MaxSpill = 0
	}
	if cfg.ChunkSize > int64(^uint32(0)) {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "chunk size %d too large", cfg.ChunkSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Store{
		cfg:     cfg,
		limit:   cfg.MaxMemory + cfg.MaxSpill,
		logger:  cfg.Logger.Named("storage"),
		lru:     list.New(),
		spillCh: make(chan struct{}, 1),
		deletes: make(chan string, 1024),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Spill != nil {
		codec, err := spill.NewCodec(cfg.Compression)
		if err != nil {
			return nil, err
		}
		s.codec = codec
		if cfg.ReadCacheSize > 0 {
			s.cache = cache.NewLRUCache(&cache.CacheConfig{MaxSize: cfg.ReadCacheSize})
		}
		s.wg.Add(1)
		go s.run()
		s.logger.Info("spill tier enabled",
			zap.String("backend", cfg.Spill.Name()),
			zap.Int64("threshold", cfg.SpillThreshold),
			zap.Int64("max_spill", cfg.MaxSpill))
	}
	return s, nil
}

// Close stops the spiller and closes the spill tier.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.cfg.Spill != nil {
			s.drainDeletes()
			s.codec.Close()
			err = s.cfg.Spill.Close()
		}
	})
	return err
}

// ChunkSize returns the configured chunk span.
func (s *Store) ChunkSize() int64 { return s.cfg.ChunkSize }

// Alloc stores data in a new content and returns its reference.
func (s *Store) Alloc(ctx context.Context, data []byte) (ContentRef, error) {
	c := &content{}
	c.refs.Store(1)

	if len(data) > 0 {
		c.mu.Lock()
		err := s.writeLocked(ctx, c, 0, data)
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	return s.register(c), nil
}

func (s *Store) register(c *content) ContentRef {
	ref := ContentRef(s.nextRef.Add(1))
	s.contents.Store(ref, c)
	s.liveContents.Add(1)
	return ref
}

func (s *Store) lookup(ref ContentRef) (*content, error) {
	v, ok := s.contents.Load(ref)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "content %d not found", ref)
	}
	return v.(*content), nil
}

// Read returns up to length bytes at offset. Reads past the end are short.
func (s *Store) Read(ctx context.Context, ref ContentRef, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid read range %d+%d", offset, length)
	}
	c, err := s.lookup(ref)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dead {
		return nil, errors.Newf(errors.ErrCodeNotFound, "content %d not found", ref)
	}

	if offset >= c.size || length == 0 {
		return []byte{}, nil
	}
	end := min(offset+int64(length), c.size)
	out := make([]byte, end-offset)

	cs := s.cfg.ChunkSize
	for i := offset / cs; i*cs < end && i < int64(len(c.chunks)); i++ {
		ch := c.chunks[i]
		if ch == nil {
			continue
		}
		base := i * cs
		lo := max(offset, base)
		hi := min(end, base+cs)
		if err := s.readChunk(ctx, ch, int(lo-base), out[lo-offset:hi-offset]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readChunk copies chunk bytes starting at at into dst. Bytes past the
// chunk's data are left zero.
func (s *Store) readChunk(ctx context.Context, ch *chunk, at int, dst []byte) error {
	ch.mu.Lock()
	if ch.data != nil {
		if at < len(ch.data) {
			copy(dst, ch.data[at:])
		}
		ch.mu.Unlock()
		s.touch(ch)
		return nil
	}

	data, err := s.loadSpilled(ctx, ch)
	ch.mu.Unlock()
	if err != nil {
		return err
	}
	if at < len(data) {
		copy(dst, data[at:])
	}
	return nil
}

// chunkBytes returns a private copy of a chunk's bytes. The caller must
// not hold ch.mu.
func (s *Store) chunkBytes(ctx context.Context, ch *chunk) ([]byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.data != nil {
		return append([]byte(nil), ch.data...), nil
	}
	return s.loadSpilled(ctx, ch)
}

// loadSpilled fetches and verifies a spilled chunk. Caller holds ch.mu.
func (s *Store) loadSpilled(ctx context.Context, ch *chunk) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(ch.key); ok {
			return data, nil
		}
	}

	frame, err := s.cfg.Spill.Get(ctx, ch.key)
	s.spillReads.Add(1)
	if err != nil {
		s.spillErrors.Add(1)
		return nil, err
	}
	data, err := s.codec.Decode(frame)
	if err != nil {
		s.spillErrors.Add(1)
		s.logger.Error("spilled chunk failed verification", zap.String("key", ch.key), zap.Error(err))
		return nil, err
	}
	if len(data) != ch.size {
		return nil, errors.Newf(errors.ErrCodeSpillCorrupt, "spilled chunk %s has %d bytes, want %d", ch.key, len(data), ch.size)
	}
	if s.cache != nil {
		s.cache.Put(ch.key, data)
	}
	return data, nil
}

// Size returns the logical size of a content.
func (s *Store) Size(ref ContentRef) (int64, error) {
	c, err := s.lookup(ref)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size, nil
}

// Allocated returns the bytes backing a content, shared chunks included.
func (s *Store) Allocated(ref ContentRef) (int64, error) {
	c, err := s.lookup(ref)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for _, ch := range c.chunks {
		if ch != nil {
			n += int64(ch.size)
		}
	}
	return n, nil
}

// CloneCOW returns a new content sharing every chunk of ref.
func (s *Store) CloneCOW(ref ContentRef) (ContentRef, error) {
	c, err := s.lookup(ref)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	if c.dead {
		c.mu.RUnlock()
		return 0, errors.Newf(errors.ErrCodeNotFound, "content %d not found", ref)
	}
	nc := &content{size: c.size, chunks: make([]*chunk, len(c.chunks))}
	for i, ch := range c.chunks {
		if ch != nil {
			ch.refs.Add(1)
			nc.chunks[i] = ch
		}
	}
	c.mu.RUnlock()

	nc.refs.Store(1)
	return s.register(nc), nil
}

// Write stores data at offset. When ref is exclusively owned it is mutated
// in place and returned; otherwise the write lands in a clone, the
// caller's reference to ref is released and the clone is returned. On
// error ref is untouched and still owned by the caller.
func (s *Store) Write(ctx context.Context, ref ContentRef, offset int64, data []byte) (ContentRef, error) {
	if offset < 0 || offset+int64(len(data)) < offset {
		return ref, errors.Newf(errors.ErrCodeInvalidArgument, "invalid write offset %d", offset)
	}
	if len(data) == 0 {
		_, err := s.lookup(ref)
		return ref, err
	}
	return s.mutate(ref, func(c *content) error {
		return s.writeLocked(ctx, c, offset, data)
	})
}

// Truncate sets the logical size. Growing leaves a hole; shrinking drops
// whole chunks and trims the last one. Ownership follows Write.
func (s *Store) Truncate(ctx context.Context, ref ContentRef, size int64) (ContentRef, error) {
	if size < 0 {
		return ref, errors.Newf(errors.ErrCodeInvalidArgument, "invalid size %d", size)
	}
	return s.mutate(ref, func(c *content) error {
		return s.truncateLocked(ctx, c, size)
	})
}

func (s *Store) mutate(ref ContentRef, fn func(c *content) error) (ContentRef, error) {
	c, err := s.lookup(ref)
	if err != nil {
		return ref, err
	}

	target, targetRef := c, ref
	if c.refs.Load() > 1 {
		targetRef, err = s.CloneCOW(ref)
		if err != nil {
			return ref, err
		}
		if target, err = s.lookup(targetRef); err != nil {
			return ref, err
		}
	}

	target.mu.Lock()
	if target.dead {
		target.mu.Unlock()
		return ref, errors.Newf(errors.ErrCodeNotFound, "content %d not found", ref)
	}
	err = fn(target)
	target.mu.Unlock()

	if err != nil {
		if targetRef != ref {
			_ = s.Release(targetRef)
		}
		return ref, err
	}
	if targetRef != ref {
		s.cowCopies.Add(1)
		_ = s.Release(ref)
	}
	return targetRef, nil
}

// chunkEdit rewrites one chunk. apply receives the chunk's old bytes
// resized to newLen, zero filled past the old length.
type chunkEdit struct {
	idx    int
	newLen int
	apply  func(dst []byte)
}

func (s *Store) writeLocked(ctx context.Context, c *content, offset int64, data []byte) error {
	cs := s.cfg.ChunkSize
	end := offset + int64(len(data))

	var edits []chunkEdit
	for i := offset / cs; i*cs < end; i++ {
		base := i * cs
		lo := int(max(offset, base) - base)
		hi := int(min(end, base+cs) - base)
		src := data[base+int64(lo)-offset : base+int64(hi)-offset]
		edits = append(edits, chunkEdit{
			idx:    int(i),
			newLen: max(chunkLen(c, int(i)), hi),
			apply:  func(dst []byte) { copy(dst[lo:hi], src) },
		})
	}

	if err := s.applyEdits(ctx, c, edits); err != nil {
		return err
	}
	if end > c.size {
		c.size = end
	}
	return nil
}

func (s *Store) truncateLocked(ctx context.Context, c *content, size int64) error {
	if size >= c.size {
		c.size = size
		return nil
	}

	cs := s.cfg.ChunkSize
	keep := int((size + cs - 1) / cs)
	if keep > 0 {
		tail := int(size - int64(keep-1)*cs)
		if chunkLen(c, keep-1) > tail {
			edit := chunkEdit{idx: keep - 1, newLen: tail, apply: func([]byte) {}}
			if err := s.applyEdits(ctx, c, []chunkEdit{edit}); err != nil {
				return err
			}
		}
	}

	if keep < len(c.chunks) {
		for _, ch := range c.chunks[keep:] {
			if ch != nil {
				s.releaseChunk(ch)
			}
		}
		clear(c.chunks[keep:])
		c.chunks = c.chunks[:keep]
	}
	c.size = size
	return nil
}

func chunkLen(c *content, idx int) int {
	if idx < len(c.chunks) && c.chunks[idx] != nil {
		return c.chunks[idx].size
	}
	return 0
}

// applyEdits applies all edits or none. Phase one locks exclusively owned
// chunks, loads the bytes of spilled or shared ones and reserves capacity;
// phase two cannot fail. Caller holds c.mu for writing.
func (s *Store) applyEdits(ctx context.Context, c *content, edits []chunkEdit) error {
	type plan struct {
		edit    chunkEdit
		old     *chunk
		inPlace bool
		base    []byte
	}

	plans := make([]plan, 0, len(edits))
	unlock := func() {
		for _, p := range plans {
			if p.inPlace {
				p.old.mu.Unlock()
			}
		}
	}

	var need, freed int64
	maxIdx := -1
	for _, e := range edits {
		p := plan{edit: e}
		maxIdx = max(maxIdx, e.idx)
		if e.idx < len(c.chunks) {
			p.old = c.chunks[e.idx]
		}

		switch {
		case p.old == nil:
			need += int64(e.newLen)
		case p.old.refs.Load() == 1:
			p.old.mu.Lock()
			p.inPlace = true
			if p.old.data == nil {
				base, err := s.loadSpilled(ctx, p.old)
				if err != nil {
					p.old.mu.Unlock()
					unlock()
					return err
				}
				p.base = base
				need += int64(e.newLen)
			} else if d := int64(e.newLen - len(p.old.data)); d > 0 {
				need += d
			} else {
				freed -= d
			}
		default:
			base, err := s.chunkBytes(ctx, p.old)
			if err != nil {
				unlock()
				return err
			}
			p.base = base
			need += int64(e.newLen)
		}
		plans = append(plans, p)
	}

	if err := s.reserve(ctx, need); err != nil {
		unlock()
		return err
	}

	if maxIdx >= len(c.chunks) {
		c.chunks = append(c.chunks, make([]*chunk, maxIdx+1-len(c.chunks))...)
	}

	var forgotten []string
	for _, p := range plans {
		n := p.edit.newLen
		switch {
		case p.inPlace && p.base == nil:
			ch := p.old
			ch.data = resize(ch.data, n)
			ch.size = n
			p.edit.apply(ch.data)
			ch.mu.Unlock()
			s.touch(ch)

		case p.inPlace:
			ch := p.old
			dst := make([]byte, n)
			copy(dst, p.base)
			p.edit.apply(dst)
			s.spilled.Add(-int64(ch.size))
			forgotten = append(forgotten, ch.key)
			ch.data, ch.key, ch.size = dst, "", n
			s.lruAdd(ch)
			ch.mu.Unlock()

		default:
			dst := make([]byte, n)
			copy(dst, p.base)
			p.edit.apply(dst)
			c.chunks[p.edit.idx] = s.newChunk(dst)
			if p.old != nil {
				s.chunkCopies.Add(1)
				s.releaseChunk(p.old)
			}
		}
	}

	if freed > 0 {
		s.resident.Add(-freed)
	}
	for _, key := range forgotten {
		s.forget(key)
	}
	return nil
}

func resize(data []byte, n int) []byte {
	old := len(data)
	if n <= cap(data) {
		data = data[:n]
		if n > old {
			clear(data[old:n])
		}
		return data
	}
	grown := make([]byte, n)
	copy(grown, data)
	return grown
}

func (s *Store) newChunk(data []byte) *chunk {
	ch := &chunk{id: s.nextChunk.Add(1), data: data, size: len(data)}
	ch.refs.Store(1)
	s.liveChunks.Add(1)
	s.lruAdd(ch)
	return ch
}

// reserve accounts n new resident bytes, spilling first when that would
// exceed MaxMemory. It fails with OUT_OF_SPACE once memory and spill
// capacity together cannot hold the bytes.
func (s *Store) reserve(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}

	if s.cfg.Spill != nil && s.resident.Load()+n > s.cfg.MaxMemory {
		s.spillUntil(ctx, s.cfg.MaxMemory-n)
	}

	for {
		cur := s.resident.Load()
		spilled := s.spilled.Load()
		if cur+n+spilled > s.limit {
			return errors.Newf(errors.ErrCodeOutOfSpace,
				"cannot store %d bytes: %d resident, %d spilled, capacity %d", n, cur, spilled, s.limit)
		}
		if s.resident.CompareAndSwap(cur, cur+n) {
			break
		}
	}

	if s.cfg.Spill != nil && s.resident.Load() > s.cfg.SpillThreshold {
		select {
		case s.spillCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Retain adds an owner to ref.
func (s *Store) Retain(ref ContentRef) error {
	c, err := s.lookup(ref)
	if err != nil {
		return err
	}
	for {
		n := c.refs.Load()
		if n <= 0 {
			return errors.Newf(errors.ErrCodeNotFound, "content %d not found", ref)
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops one owner of ref and reclaims it at zero.
func (s *Store) Release(ref ContentRef) error {
	c, err := s.lookup(ref)
	if err != nil {
		return err
	}

	n := c.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		s.logger.Error("content released more times than retained", zap.Uint64("ref", uint64(ref)))
		return errors.Newf(errors.ErrCodeInternalError, "content %d over-released", ref)
	}

	s.contents.Delete(ref)
	c.mu.Lock()
	chunks := c.chunks
	c.chunks = nil
	c.dead = true
	c.mu.Unlock()

	for _, ch := range chunks {
		if ch != nil {
			s.releaseChunk(ch)
		}
	}
	s.liveContents.Add(-1)
	return nil
}

// RefCount returns the owner count of ref, or 0 when it does not exist.
func (s *Store) RefCount(ref ContentRef) int32 {
	c, err := s.lookup(ref)
	if err != nil {
		return 0
	}
	return c.refs.Load()
}

func (s *Store) releaseChunk(ch *chunk) {
	if ch.refs.Add(-1) > 0 {
		return
	}

	var key string
	ch.mu.Lock()
	if ch.data != nil {
		s.resident.Add(-int64(len(ch.data)))
		ch.data = nil
		s.lruRemove(ch)
	} else if ch.key != "" {
		s.spilled.Add(-int64(ch.size))
		key = ch.key
		ch.key = ""
	}
	ch.mu.Unlock()

	s.liveChunks.Add(-1)
	if key != "" {
		s.forget(key)
	}
}

// forget drops a spilled frame from the read cache and queues its deletion.
func (s *Store) forget(key string) {
	if s.cache != nil {
		s.cache.Delete(key)
	}
	select {
	case s.deletes <- key:
	default:
		s.deleteSpilled(key)
	}
}

func (s *Store) deleteSpilled(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cfg.Spill.Delete(ctx, key); err != nil {
		s.spillErrors.Add(1)
		s.logger.Warn("failed to delete spilled chunk", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) drainDeletes() {
	for {
		select {
		case key := <-s.deletes:
			s.deleteSpilled(key)
		default:
			return
		}
	}
}

func (s *Store) lruAdd(ch *chunk) {
	s.lruMu.Lock()
	if ch.elem == nil {
		ch.elem = s.lru.PushFront(ch)
	}
	s.lruMu.Unlock()
}

func (s *Store) lruRemove(ch *chunk) {
	s.lruMu.Lock()
	if ch.elem != nil {
		s.lru.Remove(ch.elem)
		ch.elem = nil
	}
	s.lruMu.Unlock()
}

func (s *Store) touch(ch *chunk) {
	s.lruMu.Lock()
	if ch.elem != nil {
		s.lru.MoveToFront(ch.elem)
	}
	s.lruMu.Unlock()
}

// pickVictim returns the least recently used chunk that can be locked
// without waiting, locked and removed from the LRU.
func (s *Store) pickVictim() *chunk {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()

	for e := s.lru.Back(); e != nil; e = e.Prev() {
		ch := e.Value.(*chunk)
		if ch.mu.TryLock() {
			s.lru.Remove(e)
			ch.elem = nil
			return ch
		}
	}
	return nil
}

func (s *Store) run() {
	defer s.wg.Done()

	lowWater := s.cfg.SpillThreshold - s.cfg.SpillThreshold/8
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.spillCh:
			s.spillUntil(s.ctx, lowWater)
		case key := <-s.deletes:
			s.deleteSpilled(key)
		}
	}
}

// spillUntil moves cold chunks to the spill tier until resident bytes
// drop to target, the tier is full or a spill fails.
func (s *Store) spillUntil(ctx context.Context, target int64) {
	if s.cfg.Spill == nil {
		return
	}

	for s.resident.Load() > target {
		if ctx.Err() != nil {
			return
		}
		ch := s.pickVictim()
		if ch == nil {
			return
		}
		if ch.data == nil || ch.refs.Load() <= 0 {
			ch.mu.Unlock()
			continue
		}
		if !s.spillChunk(ctx, ch) {
			return
		}
	}
}

// spillChunk writes a locked, resident chunk to the spill tier and unlocks
// it. It reports false when the chunk stayed resident.
func (s *Store) spillChunk(ctx context.Context, ch *chunk) bool {
	size := int64(len(ch.data))
	if s.spilled.Load()+size > s.cfg.MaxSpill {
		s.lruAdd(ch)
		ch.mu.Unlock()
		return false
	}

	frame, sum := s.codec.Encode(ch.data)
	key := spill.Key(sum, ch.id)
	if err := s.cfg.Spill.Put(ctx, key, frame); err != nil {
		s.spillErrors.Add(1)
		s.logger.Warn("failed to spill chunk", zap.Uint64("chunk", ch.id), zap.Error(err))
		s.lruAdd(ch)
		ch.mu.Unlock()
		return false
	}

	ch.data = nil
	ch.key = key
	s.spilled.Add(size)
	s.resident.Add(-size)
	s.spillWrites.Add(1)
	ch.mu.Unlock()

	s.logger.Debug("spilled chunk",
		zap.Uint64("chunk", ch.id),
		zap.Int64("bytes", size),
		zap.Int("frame_bytes", len(frame)))
	return true
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	st := Stats{
		LiveContents:  s.liveContents.Load(),
		LiveChunks:    s.liveChunks.Load(),
		BytesInMemory: s.resident.Load(),
		BytesSpilled:  s.spilled.Load(),
		CowCopies:     s.cowCopies.Load(),
		ChunkCopies:   s.chunkCopies.Load(),
		SpillWrites:   s.spillWrites.Load(),
		SpillReads:    s.spillReads.Load(),
		SpillErrors:   s.spillErrors.Load(),
	}
	if s.cache != nil {
		st.ReadCache = s.cache.Stats()
	}
	return st
}
