package cache

import (
	"errors"
	"time"
)

// Common errors for cache operations
var (
	// ErrItemTooLarge is returned when an item exceeds the cache capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheCorrupted is returned when cache data is corrupted
	ErrCacheCorrupted = errors.New("cache data corrupted")
)

// CacheLevel represents the cache tier
type CacheLevel int

const (
	// CacheLevelL1 represents the memory cache (fastest)
	CacheLevelL1 CacheLevel = iota

	// CacheLevelL2 represents the disk cache (persistent)
	CacheLevelL2
)

// String returns the string representation of the cache level
func (l CacheLevel) String() string {
	switch l {
	case CacheLevelL1:
		return "L1-Memory"
	case CacheLevelL2:
		return "L2-Disk"
	default:
		return "Unknown"
	}
}

// CacheStats holds cache performance metrics
type CacheStats struct {
	// Configuration
	Capacity int64 // Maximum capacity in bytes

	// Current state
	Size      int64 // Current size in bytes
	ItemCount int64 // Number of items in cache

	// Performance metrics
	Hits        int64   // Number of cache hits
	Misses      int64   // Number of cache misses
	Evictions   int64   // Number of capacity evictions
	Expirations int64   // Number of entries dropped because their TTL elapsed
	HitRate     float64 // Calculated hit rate (hits / (hits + misses))
}

func (s *CacheStats) add(o CacheStats) {
	s.Capacity += o.Capacity
	s.Size += o.Size
	s.ItemCount += o.ItemCount
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Evictions += o.Evictions
	s.Expirations += o.Expirations
}

func (s *CacheStats) computeHitRate() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
}

// CacheMetadata contains metadata about a cached item
type CacheMetadata struct {
	Key       string        // Cache key
	Size      int64         // Size in bytes
	CreatedAt time.Time     // When item was cached
	TTL       time.Duration // Lifetime of the entry (0 = no expiry)
	Hits      int64         // Number of times accessed
	Level     CacheLevel    // Which cache level this is from
}

// Expired reports whether the entry is expired at now.
// An entry expires when now - CreatedAt >= TTL.
func (m CacheMetadata) Expired(now time.Time) bool {
	return expired(m.CreatedAt, m.TTL, now)
}

func expired(createdAt time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(createdAt) >= ttl
}

// CacheConfig holds configuration for cache instances
type CacheConfig struct {
	// Memory cache (L1)
	MemoryCapacity int64 // Bytes
	Shards         int   // Independent lock domains in the memory cache

	// Disk cache (L2), disabled when DiskPath is empty
	DiskCapacity     int64  // Bytes
	DiskPath         string // Directory for cache files
	CompressionLevel int    // Zstd compression level (1-22, default 3)

	// How often expired entries are swept (0 disables the sweep loop)
	CleanupInterval time.Duration

	// Clock returns the current time; defaults to time.Now
	Clock func() time.Time
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MemoryCapacity:   64 * 1024 * 1024,  // 64MB
		Shards:           16,
		DiskCapacity:     512 * 1024 * 1024, // 512MB
		CompressionLevel: 3,
		CleanupInterval:  5 * time.Minute,
	}
}
