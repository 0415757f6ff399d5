// Package cache provides a disk-backed key/value store with TTL expiry and
// LRU eviction under a configurable size cap. One store is shared by the
// fetch, extract, and summary stages; key namespaces keep them apart.
package cache

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Validators holds HTTP caching validators stored alongside an entry so the
// fetcher can issue conditional refetches.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// entryFile is the on-disk entry format: a JSON header with the payload
// embedded. Written atomically via tmp+rename.
type entryFile struct {
	Key        string      `json:"key"`
	CreatedAt  time.Time   `json:"created_at"`
	TTLSeconds int64       `json:"ttl_seconds"`
	Validators *Validators `json:"validators,omitempty"`
	Payload    []byte      `json:"payload"`
}

// entryMeta is the in-memory index record for one entry. Last-access time is
// mirrored to the file's mtime so LRU order survives a restart.
type entryMeta struct {
	key          string
	path         string
	size         int64
	createdAt    time.Time
	ttl          time.Duration
	lastAccessed time.Time
	validators   *Validators
	heapIndex    int
}

func (m *entryMeta) expired(now time.Time) bool {
	return m.ttl > 0 && now.After(m.createdAt.Add(m.ttl))
}

// Stats reports store occupancy.
type Stats struct {
	EntryCount int
	TotalBytes int64
	MaxBytes   int64
}

// Store is a disk-backed cache safe for concurrent use. Size accounting is
// incremental and eviction candidates come from a min-heap ordered by last
// access, so Set stays O(log n) per evicted entry.
type Store struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	index map[string]*entryMeta
	lru   lruHeap
	total int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock sets the time source. Used by tests to simulate TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or reopens a store rooted at dir. A missing directory is an
// empty cache; the directory may be deleted at any time between runs.
func Open(dir string, maxBytes int64, opts ...Option) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache max bytes must be positive, got %d", maxBytes)
	}

	s := &Store{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   slog.Default(),
		now:      time.Now,
		index:    make(map[string]*entryMeta),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, NewStoreUnavailableError(fmt.Errorf("create cache directory: %w", err))
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	heap.Init(&s.lru)

	return s, nil
}

// scan rebuilds the in-memory index from entry files on disk.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return NewStoreUnavailableError(fmt.Errorf("scan cache directory: %w", err))
	}

	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, de.Name())

		ef, err := readEntryFile(path)
		if err != nil {
			// Truncated or foreign file; drop it rather than poison the index.
			s.logger.Warn("Removing unreadable cache entry", slog.String("path", path), slog.String("error", err.Error()))
			_ = os.Remove(path)
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		meta := &entryMeta{
			key:          ef.Key,
			path:         path,
			size:         int64(len(ef.Payload)),
			createdAt:    ef.CreatedAt,
			ttl:          time.Duration(ef.TTLSeconds) * time.Second,
			lastAccessed: info.ModTime(),
			validators:   ef.Validators,
		}
		// heap.Init only fixes indexes of elements it swaps, so every
		// entry needs its slot position before the heap is built.
		meta.heapIndex = len(s.lru)
		s.index[ef.Key] = meta
		s.lru = append(s.lru, meta)
		s.total += meta.size
	}

	return nil
}

// Get returns the payload for key, or ok=false on a miss. An expired entry
// is a miss and is lazily purged. A successful read refreshes the entry's
// LRU position.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.index[key]
	if !exists {
		return nil, false, nil
	}

	now := s.now()
	if meta.expired(now) {
		s.removeLocked(meta)
		return nil, false, nil
	}

	ef, err := readEntryFile(meta.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Someone deleted the cache dir out from under us; that is allowed.
			s.removeFromIndexLocked(meta)
			return nil, false, nil
		}
		return nil, false, NewStoreUnavailableError(err)
	}

	meta.lastAccessed = now
	heap.Fix(&s.lru, meta.heapIndex)
	// Persist access order across restarts; best-effort.
	_ = os.Chtimes(meta.path, now, now)

	return ef.Payload, true, nil
}

// GetStale returns the payload and validators for key even when the entry
// has expired; fresh reports whether it is still within TTL. Expired entries
// are left in place so their validators can drive a conditional refetch, and
// their access order is not refreshed.
func (s *Store) GetStale(key string) (payload []byte, v *Validators, fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.index[key]
	if !exists {
		return nil, nil, false, nil
	}

	ef, err := readEntryFile(meta.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.removeFromIndexLocked(meta)
			return nil, nil, false, nil
		}
		return nil, nil, false, NewStoreUnavailableError(err)
	}

	now := s.now()
	if meta.expired(now) {
		return ef.Payload, meta.validatorsCopy(), false, nil
	}

	meta.lastAccessed = now
	heap.Fix(&s.lru, meta.heapIndex)
	_ = os.Chtimes(meta.path, now, now)

	return ef.Payload, meta.validatorsCopy(), true, nil
}

func (m *entryMeta) validatorsCopy() *Validators {
	if m.validators == nil {
		return nil
	}
	v := *m.validators
	return &v
}

// Validators returns the stored HTTP validators for key, even when the entry
// has expired, so the fetcher can attempt a conditional refetch.
func (s *Store) Validators(key string) *Validators {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.index[key]
	if !exists {
		return nil
	}
	return meta.validatorsCopy()
}

// Set writes or overwrites an entry. If the write would push the store over
// its cap, least-recently-accessed entries are evicted until the new entry
// fits. A single payload larger than the cap is refused with
// EntryTooLargeError.
func (s *Store) Set(key string, payload []byte, ttl time.Duration, validators *Validators) error {
	size := int64(len(payload))
	if size > s.maxBytes {
		return &EntryTooLargeError{Key: key, Size: size, MaxBytes: s.maxBytes}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Overwrites free the old entry's bytes first.
	reclaimed := int64(0)
	if old, exists := s.index[key]; exists {
		reclaimed = old.size
	}

	for s.total-reclaimed+size > s.maxBytes && s.lru.Len() > 0 {
		victim := s.lru[0]
		if victim.key == key {
			// The entry being overwritten cannot evict itself; skip by
			// removing it outright (its bytes are already reclaimed).
			s.removeLocked(victim)
			reclaimed = 0
			continue
		}
		s.logger.Debug("Evicting cache entry",
			slog.String("key", victim.key),
			slog.Int64("size", victim.size),
			slog.Time("last_accessed", victim.lastAccessed))
		s.removeLocked(victim)
	}

	now := s.now()
	ef := entryFile{
		Key:        key,
		CreatedAt:  now,
		TTLSeconds: int64(ttl / time.Second),
		Validators: validators,
		Payload:    payload,
	}

	path := s.pathFor(key)
	if err := writeEntryFile(path, &ef); err != nil {
		return NewStoreUnavailableError(err)
	}

	if old, exists := s.index[key]; exists {
		s.total -= old.size
		old.size = size
		old.createdAt = now
		old.ttl = ttl
		old.lastAccessed = now
		old.validators = validators
		heap.Fix(&s.lru, old.heapIndex)
	} else {
		meta := &entryMeta{
			key:          key,
			path:         path,
			size:         size,
			createdAt:    now,
			ttl:          ttl,
			lastAccessed: now,
			validators:   validators,
		}
		s.index[key] = meta
		heap.Push(&s.lru, meta)
	}
	s.total += size

	return nil
}

// Delete removes one entry and reports whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.index[key]
	if !exists {
		return false
	}
	s.removeLocked(meta)
	return true
}

// Prune eagerly removes all expired entries and returns the count removed.
// Intended for periodic maintenance; Get's lazy expiry guarantees
// correctness without it.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var victims []*entryMeta
	for _, meta := range s.index {
		if meta.expired(now) {
			victims = append(victims, meta)
		}
	}
	for _, meta := range victims {
		s.removeLocked(meta)
	}
	return len(victims)
}

// Clear removes everything.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, meta := range s.index {
		_ = os.Remove(meta.path)
	}
	s.index = make(map[string]*entryMeta)
	s.lru = s.lru[:0]
	s.total = 0
}

// Stats reports current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		EntryCount: len(s.index),
		TotalBytes: s.total,
		MaxBytes:   s.maxBytes,
	}
}

// removeLocked removes an entry from disk, the index, and the heap.
func (s *Store) removeLocked(meta *entryMeta) {
	_ = os.Remove(meta.path)
	s.removeFromIndexLocked(meta)
}

func (s *Store) removeFromIndexLocked(meta *entryMeta) {
	if _, exists := s.index[meta.key]; !exists {
		return
	}
	delete(s.index, meta.key)
	heap.Remove(&s.lru, meta.heapIndex)
	s.total -= meta.size
}

// pathFor maps a key to its entry file. Keys are hashed so namespace
// separators and arbitrary URL bytes never reach the filesystem.
func (s *Store) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

func readEntryFile(path string) (*entryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ef entryFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", path, err)
	}
	return &ef, nil
}

func writeEntryFile(path string, ef *entryFile) error {
	data, err := json.Marshal(ef)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	// Write to temporary file first, then rename (atomic operation)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// lruHeap orders entries by last access ascending, ties broken by creation
// time ascending, matching the eviction contract.
type lruHeap []*entryMeta

func (h lruHeap) Len() int { return len(h) }

func (h lruHeap) Less(i, j int) bool {
	if h[i].lastAccessed.Equal(h[j].lastAccessed) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].lastAccessed.Before(h[j].lastAccessed)
}

func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *lruHeap) Push(x any) {
	meta := x.(*entryMeta)
	meta.heapIndex = len(*h)
	*h = append(*h, meta)
}

func (h *lruHeap) Pop() any {
	old := *h
	n := len(old)
	meta := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return meta
}
