package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const indexFile = "cache.index"

// DiskCache implements an L2 disk-based cache with optional zstd compression.
// Payloads are written to a temp file and renamed into place, so a reader
// sees either the previous value or the new one, never a partial write.
type DiskCache struct {
	basePath string
	capacity int64 // Maximum size in bytes
	size     int64 // Current size in bytes

	// Compression
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Index for fast lookups; file I/O happens outside mu
	index map[string]*diskCacheEntry
	mu    sync.RWMutex

	stats CacheStats
	now   func() time.Time
}

// diskCacheEntry represents an entry in the disk cache index
type diskCacheEntry struct {
	Key          string
	FilePath     string
	Size         int64 // Size on disk (compressed)
	OriginalSize int64 // Original size (uncompressed)
	CreatedAt    time.Time
	TTL          time.Duration
	LastAccess   time.Time
	Hits         int64
	Compressed   bool
}

// NewDiskCache creates a new disk cache with the specified path and capacity.
// A compressionLevel of 0 stores payloads uncompressed.
func NewDiskCache(basePath string, capacity int64, compressionLevel int) (*DiskCache, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dc := &DiskCache{
		basePath: basePath,
		capacity: capacity,
		index:    make(map[string]*diskCacheEntry),
		stats:    CacheStats{Capacity: capacity},
		now:      time.Now,
	}

	if compressionLevel > 0 {
		var err error
		dc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dc.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	// A missing or unreadable index starts the cache empty
	if err := dc.loadIndex(); err != nil {
		dc.index = make(map[string]*diskCacheEntry)
	}
	dc.calculateSize()

	return dc, nil
}

// SetClock replaces the time source.
func (dc *DiskCache) SetClock(now func() time.Time) {
	if now != nil {
		dc.now = now
	}
}

// Get retrieves a value from the disk cache.
func (dc *DiskCache) Get(key string) ([]byte, bool) {
	value, _, ok := dc.GetWithMetadata(key)
	return value, ok
}

// GetWithMetadata retrieves a value along with its metadata.
func (dc *DiskCache) GetWithMetadata(key string) ([]byte, CacheMetadata, bool) {
	now := dc.now()

	dc.mu.RLock()
	entry, ok := dc.index[key]
	var snapshot diskCacheEntry
	if ok {
		snapshot = *entry
	}
	dc.mu.RUnlock()

	if !ok {
		dc.countMiss()
		return nil, CacheMetadata{}, false
	}
	if expired(snapshot.CreatedAt, snapshot.TTL, now) {
		dc.dropIfSame(key, entry, true)
		dc.countMiss()
		return nil, CacheMetadata{}, false
	}

	data, err := os.ReadFile(snapshot.FilePath)
	if err == nil && snapshot.Compressed {
		if dc.decoder == nil {
			err = ErrCacheCorrupted
		} else {
			data, err = dc.decoder.DecodeAll(data, nil)
		}
	}
	if err != nil {
		dc.dropIfSame(key, entry, false)
		dc.countMiss()
		return nil, CacheMetadata{}, false
	}

	dc.mu.Lock()
	entry.LastAccess = now
	entry.Hits++
	hits := entry.Hits
	dc.stats.Hits++
	dc.mu.Unlock()

	return data, CacheMetadata{
		Key:       key,
		Size:      snapshot.OriginalSize,
		CreatedAt: snapshot.CreatedAt,
		TTL:       snapshot.TTL,
		Hits:      hits,
		Level:     CacheLevelL2,
	}, true
}

// Put stores a value in the disk cache with the given time-to-live.
func (dc *DiskCache) Put(key string, value []byte, ttl time.Duration) error {
	return dc.putAt(key, value, ttl, dc.now())
}

func (dc *DiskCache) putAt(key string, value []byte, ttl time.Duration, createdAt time.Time) error {
	originalSize := int64(len(value))

	dataToWrite := value
	compressed := false
	if dc.encoder != nil && originalSize > 1024 { // Only compress if > 1KB
		if c := dc.encoder.EncodeAll(value, nil); len(c) < len(value) {
			dataToWrite = c
			compressed = true
		}
	}

	diskSize := int64(len(dataToWrite))
	if diskSize > dc.capacity {
		return ErrItemTooLarge
	}

	filePath := dc.filePath(key)
	if err := writeFileAtomic(filePath, dataToWrite); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if existing, ok := dc.index[key]; ok {
		dc.size -= existing.Size
	}

	dc.index[key] = &diskCacheEntry{
		Key:          key,
		FilePath:     filePath,
		Size:         diskSize,
		OriginalSize: originalSize,
		CreatedAt:    createdAt,
		TTL:          ttl,
		LastAccess:   createdAt,
		Compressed:   compressed,
	}
	dc.size += diskSize

	for dc.size > dc.capacity && len(dc.index) > 1 {
		dc.evictOldest(key)
	}

	dc.stats.Size = dc.size
	dc.stats.ItemCount = int64(len(dc.index))
	return nil
}

// Delete removes an entry from the disk cache.
func (dc *DiskCache) Delete(key string) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, ok := dc.index[key]; ok {
		dc.removeEntry(entry)
	}
	return nil
}

// Clear removes all entries from the disk cache.
func (dc *DiskCache) Clear() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	for _, entry := range dc.index {
		_ = os.Remove(entry.FilePath)
	}
	dc.index = make(map[string]*diskCacheEntry)
	dc.size = 0
	dc.stats.Size = 0
	dc.stats.ItemCount = 0

	return dc.saveIndex()
}

// Size returns the current cache size in bytes.
func (dc *DiskCache) Size() int64 {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.size
}

// Stats returns cache statistics.
func (dc *DiskCache) Stats() CacheStats {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	stats := dc.stats
	stats.Size = dc.size
	stats.ItemCount = int64(len(dc.index))
	stats.computeHitRate()
	return stats
}

// Prune removes expired entries and returns how many were removed.
func (dc *DiskCache) Prune() int {
	now := dc.now()
	dc.mu.Lock()
	defer dc.mu.Unlock()

	pruned := 0
	for _, entry := range dc.index {
		if expired(entry.CreatedAt, entry.TTL, now) {
			dc.removeEntry(entry)
			dc.stats.Expirations++
			pruned++
		}
	}
	return pruned
}

// Close persists the index.
func (dc *DiskCache) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.decoder != nil {
		dc.decoder.Close()
	}
	return dc.saveIndex()
}

func (dc *DiskCache) countMiss() {
	dc.mu.Lock()
	dc.stats.Misses++
	dc.mu.Unlock()
}

// dropIfSame removes key only if the index still points at entry, so a
// concurrent Put of a fresh value is not thrown away.
func (dc *DiskCache) dropIfSame(key string, entry *diskCacheEntry, expiredEntry bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if current, ok := dc.index[key]; ok && current == entry {
		dc.removeEntry(entry)
		if expiredEntry {
			dc.stats.Expirations++
		}
	}
}

// removeEntry deletes entry from the index and disk (must be called with lock held).
func (dc *DiskCache) removeEntry(entry *diskCacheEntry) {
	_ = os.Remove(entry.FilePath)
	dc.size -= entry.Size
	delete(dc.index, entry.Key)
	dc.stats.Size = dc.size
	dc.stats.ItemCount = int64(len(dc.index))
}

// evictOldest removes the least recently accessed entry other than keep
// (must be called with lock held).
func (dc *DiskCache) evictOldest(keep string) {
	var oldest *diskCacheEntry
	for key, entry := range dc.index {
		if key == keep {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest != nil {
		dc.removeEntry(oldest)
		dc.stats.Evictions++
	}
}

func (dc *DiskCache) filePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(dc.basePath, hex.EncodeToString(hash[:16])+".cache")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tempPath := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, path)
}

func (dc *DiskCache) loadIndex() error {
	file, err := os.Open(filepath.Join(dc.basePath, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	return gob.NewDecoder(file).Decode(&dc.index)
}

func (dc *DiskCache) saveIndex() error {
	indexPath := filepath.Join(dc.basePath, indexFile)
	tempPath := indexPath + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	err = gob.NewEncoder(file).Encode(dc.index)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, indexPath)
}

func (dc *DiskCache) calculateSize() {
	dc.size = 0
	for _, entry := range dc.index {
		dc.size += entry.Size
	}
	dc.stats.Size = dc.size
	dc.stats.ItemCount = int64(len(dc.index))
}
