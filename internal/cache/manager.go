package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Manager coordinates the memory tier, the optional disk tier and the set of
// named logical caches that share them. Values found only on disk are
// promoted back into memory with their original creation time, so promotion
// never extends an entry's life.
type Manager struct {
	l1Memory *MemoryCache
	l2Disk   *DiskCache // nil when no disk path is configured

	config *CacheConfig
	logger *log.Logger
	now    func() time.Time

	mu         sync.RWMutex
	namespaces map[string]*Namespace

	// Cleanup goroutine control
	cleanupStop chan struct{}
	cleanupWg   sync.WaitGroup
	closeOnce   sync.Once

	stats struct {
		promotions  atomic.Int64
		cleanupRuns atomic.Int64
		lastCleanup atomic.Int64 // unix nanos
	}
}

// ManagerStats is a point-in-time view of every tier and namespace.
type ManagerStats struct {
	Memory      CacheStats
	Disk        *CacheStats
	Namespaces  []NamespaceStats
	Promotions  int64
	CleanupRuns int64
	LastCleanup time.Time
}

// NewManager creates a cache manager with the specified configuration.
func NewManager(config *CacheConfig, logger *log.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		l1Memory:    NewMemoryCache(config.MemoryCapacity, config.Shards),
		config:      config,
		logger:      logger.WithPrefix("cache"),
		now:         now,
		namespaces:  make(map[string]*Namespace),
		cleanupStop: make(chan struct{}),
	}
	m.l1Memory.SetClock(now)

	if config.DiskPath != "" {
		disk, err := NewDiskCache(config.DiskPath, config.DiskCapacity, config.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk cache: %w", err)
		}
		disk.SetClock(now)
		m.l2Disk = disk
	}

	if config.CleanupInterval > 0 {
		m.startCleanupRoutine()
	}

	return m, nil
}

// Namespace returns the logical cache called name, creating it with ttl on
// first use. Later calls with a different ttl update it for future writes.
func (m *Manager) Namespace(name string, ttl time.Duration) *Namespace {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.namespaces[name]; ok {
		ns.ttl.Store(int64(ttl))
		return ns
	}
	ns := &Namespace{name: name, m: m}
	ns.ttl.Store(int64(ttl))
	m.namespaces[name] = ns
	return ns
}

// Get looks a raw key up in memory, then on disk.
func (m *Manager) Get(key string) ([]byte, bool) {
	if data, ok := m.l1Memory.Get(key); ok {
		return data, true
	}
	if m.l2Disk == nil {
		return nil, false
	}

	data, meta, ok := m.l2Disk.GetWithMetadata(key)
	if !ok {
		return nil, false
	}
	m.promoteToL1(key, data, meta)
	return data, true
}

// Put writes a raw key through every tier.
func (m *Manager) Put(key string, value []byte, ttl time.Duration) error {
	createdAt := m.now()
	memErr := m.l1Memory.putAt(key, value, ttl, createdAt)
	if memErr != nil && !errors.Is(memErr, ErrItemTooLarge) {
		return fmt.Errorf("L1 cache error: %w", memErr)
	}

	if m.l2Disk != nil {
		if err := m.l2Disk.putAt(key, value, ttl, createdAt); err != nil {
			if errors.Is(err, ErrItemTooLarge) && memErr != nil {
				return err
			}
			m.logger.Warn("Disk cache write failed", "key", key, "err", err)
		}
		return nil
	}
	return memErr
}

// Delete removes a raw key from every tier.
func (m *Manager) Delete(key string) error {
	var errs []error
	if err := m.l1Memory.Delete(key); err != nil {
		errs = append(errs, fmt.Errorf("L1 delete: %w", err))
	}
	if m.l2Disk != nil {
		if err := m.l2Disk.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("L2 delete: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Clear removes every entry from every tier.
func (m *Manager) Clear() error {
	var errs []error
	if err := m.l1Memory.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("L1 clear: %w", err))
	}
	if m.l2Disk != nil {
		if err := m.l2Disk.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("L2 clear: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Sweep drops expired entries from every tier and returns the count.
func (m *Manager) Sweep() int {
	removed := m.l1Memory.Prune()
	if m.l2Disk != nil {
		removed += m.l2Disk.Prune()
	}
	m.stats.cleanupRuns.Add(1)
	m.stats.lastCleanup.Store(m.now().UnixNano())
	return removed
}

// Stats returns the manager's statistics.
func (m *Manager) Stats() ManagerStats {
	s := ManagerStats{
		Memory:      m.l1Memory.Stats(),
		Promotions:  m.stats.promotions.Load(),
		CleanupRuns: m.stats.cleanupRuns.Load(),
	}
	if ts := m.stats.lastCleanup.Load(); ts > 0 {
		s.LastCleanup = time.Unix(0, ts)
	}
	if m.l2Disk != nil {
		disk := m.l2Disk.Stats()
		s.Disk = &disk
	}

	m.mu.RLock()
	for _, ns := range m.namespaces {
		s.Namespaces = append(s.Namespaces, ns.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(s.Namespaces, func(i, j int) bool {
		return s.Namespaces[i].Name < s.Namespaces[j].Name
	})
	return s
}

// Close stops the cleanup routine and persists the disk index.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.cleanupStop)
		m.cleanupWg.Wait()
		if m.l2Disk != nil {
			err = m.l2Disk.Close()
		}
	})
	return err
}

func (m *Manager) promoteToL1(key string, data []byte, meta CacheMetadata) {
	if meta.Expired(m.now()) {
		return
	}
	if err := m.l1Memory.putAt(key, data, meta.TTL, meta.CreatedAt); err == nil {
		m.stats.promotions.Add(1)
	}
}

func (m *Manager) startCleanupRoutine() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	m.cleanupWg.Add(1)
	go func() {
		defer m.cleanupWg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("Swept expired entries", "count", n)
				}
			case <-m.cleanupStop:
				return
			}
		}
	}()
}

// Namespace is a named logical cache with its own TTL. Keys of different
// namespaces never collide.
type Namespace struct {
	name string
	ttl  atomic.Int64
	m    *Manager

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// NamespaceStats summarizes one logical cache.
type NamespaceStats struct {
	Name    string
	TTL     time.Duration
	Hits    int64
	Misses  int64
	Writes  int64
	HitRate float64
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// TTL returns the lifetime applied to new entries.
func (n *Namespace) TTL() time.Duration { return time.Duration(n.ttl.Load()) }

func (n *Namespace) key(key string) string { return n.name + "\x00" + key }

// Get returns the live value stored under key.
func (n *Namespace) Get(key string) ([]byte, bool) {
	data, ok := n.m.Get(n.key(key))
	if ok {
		n.hits.Add(1)
	} else {
		n.misses.Add(1)
	}
	return data, ok
}

// Put stores value under key. The last write wins.
func (n *Namespace) Put(key string, value []byte) error {
	if err := n.m.Put(n.key(key), value, n.TTL()); err != nil {
		return err
	}
	n.writes.Add(1)
	return nil
}

// Delete removes key.
func (n *Namespace) Delete(key string) error {
	return n.m.Delete(n.key(key))
}

// Stats returns the namespace's counters.
func (n *Namespace) Stats() NamespaceStats {
	s := NamespaceStats{
		Name:   n.name,
		TTL:    n.TTL(),
		Hits:   n.hits.Load(),
		Misses: n.misses.Load(),
		Writes: n.writes.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
