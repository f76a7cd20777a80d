package dohgw

import (
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/miekg/dns"
)

// memoryBackend is the default in-memory CacheBackend: an LRU cache with
// optional periodic GC and binary-snapshot persistence, grounded on the
// teacher's cache-memory.go.
type memoryBackend struct {
	lru     *lruCache
	mu      sync.Mutex
	opt     MemoryBackendOptions
	metrics *Metrics
}

// MemoryBackendOptions configures the in-memory cache backend.
type MemoryBackendOptions struct {
	// Capacity bounds total entries, default unlimited.
	Capacity int

	// GCPeriod is how often expired entries are swept, default 1 minute.
	GCPeriod time.Duration

	// Filename, if set, is loaded on startup and written on Close/interval
	// save, using the binary OWCACHE snapshot format (persistence.go).
	Filename string

	// SaveInterval, if set, triggers a snapshot write on this period in
	// addition to the one taken at shutdown.
	SaveInterval time.Duration

	// MaxSnapshotItems caps how many entries are written to a snapshot,
	// keeping the highest-ranked by access count then recency. 0 means no
	// cap.
	MaxSnapshotItems int

	// SkipExpiredOnLoad discards expired entries found in a loaded snapshot
	// instead of failing the load; readSnapshot always does this.
	SkipExpiredOnLoad bool
}

var _ CacheBackend = (*memoryBackend)(nil)

// NewMemoryBackend constructs the in-memory backend, optionally seeding it
// from a snapshot file and starting its GC/periodic-save goroutines.
func NewMemoryBackend(opt MemoryBackendOptions, metrics *Metrics) *memoryBackend {
	if opt.GCPeriod == 0 {
		opt.GCPeriod = time.Minute
	}
	b := &memoryBackend{lru: newLRUCache(opt.Capacity), opt: opt, metrics: metrics}
	if opt.Filename != "" {
		b.loadFromFile(opt.Filename)
	}
	go b.startGC(opt.GCPeriod)
	go b.intervalSave()
	return b
}

func (b *memoryBackend) Store(query *dns.Msg, item *cacheAnswer) {
	b.mu.Lock()
	b.lru.add(query, item)
	b.mu.Unlock()
}

func (b *memoryBackend) Lookup(q *dns.Msg) (*dns.Msg, bool, bool) {
	var answer *dns.Msg
	var timestamp time.Time
	var prefetchEligible bool
	var expiry time.Time
	var entry *cacheAnswer
	b.mu.Lock()
	if a := b.lru.get(q); a != nil {
		entry = a
		answer = a.Msg.Copy()
		timestamp = a.Timestamp
		prefetchEligible = a.PrefetchEligible
		expiry = a.Expiry
	}
	b.mu.Unlock()

	if answer == nil {
		return nil, false, false
	}

	if time.Now().After(expiry) {
		b.Evict(q)
		if b.metrics != nil {
			b.metrics.CacheEvictions.WithLabelValues("expired").Inc()
		}
		return nil, false, false
	}

	answer = answer.Copy()
	answer.Id = q.Id

	age := uint32(time.Since(timestamp).Seconds())

	for _, rr := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, a := range rr {
			if _, ok := a.(*dns.OPT); ok {
				continue
			}
			h := a.Header()
			if age >= h.Ttl {
				b.Evict(q)
				if b.metrics != nil {
					b.metrics.CacheEvictions.WithLabelValues("expired").Inc()
				}
				return nil, false, false
			}
			h.Ttl -= age
		}
	}

	entry.touch()
	return answer, prefetchEligible, true
}

func (b *memoryBackend) Evict(queries ...*dns.Msg) {
	b.mu.Lock()
	for _, query := range queries {
		b.lru.delete(query)
	}
	b.mu.Unlock()
}

func (b *memoryBackend) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.reset()
}

// startGC evicts everything past its expiry, regardless of whether it has
// been looked up recently; records that are never queried again would
// otherwise linger in the map until capacity eviction catches them.
func (b *memoryBackend) startGC(period time.Duration) {
	for range time.Tick(period) {
		now := time.Now()
		var total, removed int
		b.mu.Lock()
		b.lru.deleteFunc(func(a *cacheAnswer) bool {
			if now.After(a.Expiry) {
				removed++
				return true
			}
			return false
		})
		total = b.lru.size()
		b.mu.Unlock()

		if b.metrics != nil && removed > 0 {
			b.metrics.CacheEvictions.WithLabelValues("expired").Add(float64(removed))
		}

		Log.Debug("cache garbage collection",
			slog.Group("details",
				slog.Int("total", total),
				slog.Int("removed", removed),
			),
		)
	}
}

func (b *memoryBackend) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.size()
}

func (b *memoryBackend) Close() error {
	if b.opt.Filename != "" {
		return b.writeToFile(b.opt.Filename)
	}
	return nil
}

func (b *memoryBackend) writeToFile(filename string) error {
	b.mu.Lock()
	items := b.lru.all()
	b.mu.Unlock()

	log := Log.With("filename", filename)
	log.Info("writing cache snapshot")

	start := time.Now()
	err := writeSnapshotToFile(filename, items, b.opt.MaxSnapshotItems)
	if b.metrics != nil {
		b.metrics.CacheSaveSecs.Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		b.metrics.CacheSaveTotal.WithLabelValues(status).Inc()
	}
	if err != nil {
		log.Warn("failed to persist cache snapshot", "error", err)
	}
	return err
}

func (b *memoryBackend) loadFromFile(filename string) error {
	log := Log.With("filename", filename)
	if _, err := os.Stat(filename); err != nil {
		return nil // no prior snapshot, not an error
	}
	log.Info("reading cache snapshot")

	start := time.Now()
	items, err := loadSnapshotFile(filename)
	if b.metrics != nil {
		b.metrics.CacheSaveSecs.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.Warn("failed to read cache snapshot", "error", err)
		if b.metrics != nil {
			b.metrics.CacheSaveTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	b.mu.Lock()
	for _, item := range items {
		b.lru.addKey(item.Key, item.Answer)
	}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.CacheSaveTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

func (b *memoryBackend) intervalSave() {
	if b.opt.Filename == "" || b.opt.SaveInterval == 0 {
		return
	}
	for range time.Tick(b.opt.SaveInterval) {
		b.writeToFile(b.opt.Filename)
	}
}
