package dohgw

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Cache stores upstream answers keyed by question plus ECS network for up to
// their TTL, implementing spec.md §4.3. Grounded on the teacher's cache.go.
type Cache struct {
	CacheOptions
	id       string
	resolver Resolver
	metrics  *Metrics
	backend  CacheBackend
}

var _ Resolver = &Cache{}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// GCPeriod is how often the in-memory backend scans for expired entries.
	GCPeriod time.Duration

	// Capacity bounds the in-memory backend's entry count; 0 means unbounded.
	Capacity int

	// NegativeTTL is used for negative responses without an SOA, default 60.
	NegativeTTL uint32

	// CacheRcodeMaxTTL caps the cache TTL per RCODE regardless of record TTL.
	CacheRcodeMaxTTL map[int]uint32

	// ShuffleAnswerFunc reorders answer RRs on every cache hit, if set.
	ShuffleAnswerFunc AnswerShuffleFunc

	// HardenBelowNXDOMAIN returns NXDOMAIN for queries under an already
	// cached NXDOMAIN name, per RFC 8020.
	HardenBelowNXDOMAIN bool

	// FlushQuery names a query name that triggers a cache flush instead of
	// resolution.
	FlushQuery string

	// PrefetchTrigger, if non-zero, triggers an async refresh once a cached
	// record's remaining TTL falls below this many seconds.
	PrefetchTrigger uint32

	// PrefetchEligible is the minimum TTL a record must have had on insert to
	// ever be considered for prefetch.
	PrefetchEligible uint32

	// Backend stores the actual cache entries.
	Backend CacheBackend
}

// CacheBackend is the storage layer a Cache delegates to.
type CacheBackend interface {
	Store(query *dns.Msg, item *cacheAnswer)
	Lookup(q *dns.Msg) (answer *dns.Msg, prefetchEligible bool, ok bool)
	Size() int
	Flush()
	Close() error
}

// NewCache returns a new Cache resolver wrapping the given upstream resolver.
func NewCache(id string, resolver Resolver, opt CacheOptions, metrics *Metrics) *Cache {
	c := &Cache{CacheOptions: opt, id: id, resolver: resolver, metrics: metrics}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = 60
	}
	if opt.Backend == nil {
		opt.Backend = NewMemoryBackend(MemoryBackendOptions{Capacity: opt.Capacity, GCPeriod: opt.GCPeriod}, metrics)
	}
	c.backend = opt.Backend

	if metrics != nil {
		go func() {
			for range time.Tick(time.Minute) {
				metrics.CacheEntries.Set(float64(c.backend.Size()))
			}
		}()
	}
	return c
}

// Resolve looks up q in the cache, falling through to the upstream resolver
// on miss and storing the result, per spec.md §4.3's lookup/insert algorithm.
func (c *Cache) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	if len(q.Question) < 1 {
		return nil, errors.New("no question in query")
	}
	if len(q.Question) > 1 {
		return c.resolver.Resolve(q, ci)
	}

	log := requestLogger(ci.Listener, q, ci.SourceIP)

	if c.FlushQuery != "" && c.FlushQuery == q.Question[0].Name {
		log.Info("flushing cache")
		c.backend.Flush()
		if c.metrics != nil {
			c.metrics.CacheEvictions.WithLabelValues("flush").Inc()
		}
		a := new(dns.Msg)
		return a.SetReply(q), nil
	}

	a, prefetchEligible, ok := c.answerFromCache(q)
	if ok {
		log.Debug("cache-hit")
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}

		if prefetchEligible && c.PrefetchTrigger > 0 {
			if min, ok := minTTL(a); ok && min < c.PrefetchTrigger {
				prefetchQ := q.Copy()
				go c.prefetch(prefetchQ, ci, min, log)
			}
		}
		return a, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	log.Debug("cache-miss, forwarding")
	a, err := c.resolver.Resolve(q.Copy(), ci)
	if err != nil || a == nil {
		return nil, err
	}
	if a.Truncated {
		return a, nil
	}

	c.storeInCache(q, a.Copy())
	return a, nil
}

func (c *Cache) prefetch(q *dns.Msg, ci ClientInfo, currentMin uint32, log interface{ Debug(string, ...any) }) {
	log.Debug("prefetching record")
	a, err := c.resolver.Resolve(q, ci)
	if err != nil || a == nil || a.Truncated {
		return
	}
	if min, ok := minTTL(a); !ok || min < currentMin {
		return
	}
	c.storeInCache(q, a)
}

func (c *Cache) String() string { return c.id }

func (c *Cache) answerFromCache(q *dns.Msg) (*dns.Msg, bool, bool) {
	a, prefetchEligible, ok := c.backend.Lookup(q)
	if ok {
		if c.ShuffleAnswerFunc != nil {
			c.ShuffleAnswerFunc(a)
		}
		return a, prefetchEligible, true
	}

	if c.HardenBelowNXDOMAIN {
		name := q.Question[0].Name
		newQ := q.Copy()
		fragments := strings.Split(name, ".")
		for i := 1; i < len(fragments)-1; i++ {
			newQ.Question[0].Name = strings.Join(fragments[i:], ".")
			if a, _, ok := c.backend.Lookup(newQ); ok {
				if a.Rcode == dns.RcodeNameError {
					return nxdomain(q), false, true
				}
				break
			}
		}
	}
	return nil, false, false
}

func (c *Cache) storeInCache(query, answer *dns.Msg) {
	now := time.Now()
	item := &cacheAnswer{Msg: answer, Timestamp: now}

	min, ok := minTTL(answer)

	switch answer.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError, dns.RcodeRefused, dns.RcodeNotImplemented, dns.RcodeFormatError:
		if ok {
			item.Expiry = now.Add(time.Duration(min) * time.Second)
			item.PrefetchEligible = min > c.PrefetchEligible
		} else {
			item.Expiry = now.Add(time.Duration(c.NegativeTTL) * time.Second)
		}
	case dns.RcodeServerFailure:
		// RFC2308: a SERVFAIL must not be cached longer than 5 minutes.
		if c.NegativeTTL < 300 {
			item.Expiry = now.Add(time.Duration(c.NegativeTTL) * time.Second)
		} else {
			item.Expiry = now.Add(300 * time.Second)
		}
	default:
		return
	}

	if rcodeLimit, ok := c.CacheRcodeMaxTTL[answer.Rcode]; ok {
		limit := now.Add(time.Duration(rcodeLimit) * time.Second)
		if item.Expiry.After(limit) {
			item.Expiry = limit
		}
	}

	c.backend.Store(query, item)
	if c.metrics != nil {
		c.metrics.CacheInserts.Inc()
	}
}

// minTTL finds the lowest TTL among all resource records except OPT.
func minTTL(answer *dns.Msg) (uint32, bool) {
	var (
		min   uint32 = math.MaxUint32
		found bool
	)
	for _, rr := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, a := range rr {
			if _, ok := a.(*dns.OPT); ok {
				continue
			}
			h := a.Header()
			if h.Ttl < min {
				min = h.Ttl
				found = true
			}
		}
	}
	return min, found
}

// AnswerShuffleFunc reorders A/AAAA answer records in place.
type AnswerShuffleFunc func(*dns.Msg)

// AnswerShuffleRandom randomly reorders the A/AAAA answer records.
func AnswerShuffleRandom(msg *dns.Msg) {
	if len(msg.Answer) < 2 {
		return
	}
	idx := make([]int, 0, len(msg.Answer))
	for i, rr := range msg.Answer {
		if rr.Header().Rrtype == dns.TypeA || rr.Header().Rrtype == dns.TypeAAAA {
			idx = append(idx, i)
		}
	}
	rand.Shuffle(len(idx), func(i, j int) {
		msg.Answer[idx[i]], msg.Answer[idx[j]] = msg.Answer[idx[j]], msg.Answer[idx[i]]
	})
}

type rrShuffleRecord struct {
	reads  uint64
	expiry time.Time
}

var (
	rrShuffleState map[lruKey]*rrShuffleRecord
	rrShuffleOnce  sync.Once
	rrShuffleMu    sync.RWMutex
)

// AnswerShuffleRoundRobin rotates A/AAAA answer record order by one on each
// call, remembering rotation state per cache key until the record expires.
func AnswerShuffleRoundRobin(msg *dns.Msg) {
	if len(msg.Answer) < 2 {
		return
	}
	rrShuffleOnce.Do(func() {
		rrShuffleState = make(map[lruKey]*rrShuffleRecord)
		go func() {
			for range time.Tick(30 * time.Second) {
				rrShuffleMu.RLock()
				var toRemove []lruKey
				now := time.Now()
				for k, v := range rrShuffleState {
					if now.After(v.expiry) {
						toRemove = append(toRemove, k)
					}
				}
				rrShuffleMu.RUnlock()

				rrShuffleMu.Lock()
				for _, k := range toRemove {
					delete(rrShuffleState, k)
				}
				rrShuffleMu.Unlock()
			}
		}()
	})

	key := lruKeyFromQuery(msg)
	rrShuffleMu.RLock()
	rec, ok := rrShuffleState[key]
	rrShuffleMu.RUnlock()
	var shiftBy uint64
	if ok {
		shiftBy = atomic.AddUint64(&rec.reads, 1)
	} else {
		ttl, ok := minTTL(msg)
		if !ok {
			return
		}
		rec = &rrShuffleRecord{expiry: time.Now().Add(time.Duration(ttl) * time.Second)}
		rrShuffleMu.Lock()
		rrShuffleState[key] = rec
		rrShuffleMu.Unlock()
	}

	var aRecords []*dns.RR
	for i, rr := range msg.Answer {
		if rr.Header().Rrtype == dns.TypeA || rr.Header().Rrtype == dns.TypeAAAA {
			aRecords = append(aRecords, &msg.Answer[i])
		}
	}
	if len(aRecords) < 2 {
		return
	}

	shiftBy %= uint64(len(aRecords))
	shiftBy++
	for i := uint64(0); i < shiftBy; i++ {
		last := *aRecords[len(aRecords)-1]
		for j := len(aRecords) - 1; j > 0; j-- {
			*aRecords[j] = *aRecords[j-1]
		}
		*aRecords[0] = last
	}
}
