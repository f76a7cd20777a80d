package dohgw

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// lruCache is a doubly linked list + map implementing eviction of the
// least-recently-used entry once capacity is exceeded, grounded on the
// teacher's lru-cache.go.
type lruCache struct {
	maxItems   int
	items      map[lruKey]*cacheItem
	head, tail *cacheItem
}

type cacheItem struct {
	Key        lruKey
	Answer     *cacheAnswer
	prev, next *cacheItem
}

// lruKey is the cache key: question plus the ECS network and source prefix
// length carried by the client's query as received (before the ECS policy
// rewrites the outbound copy), per spec.md §4.3 — answers for different ECS
// subnets must not collapse into one cache slot.
type lruKey struct {
	Question     dns.Question
	Net          string // ECS network address in the client's query, "" if none
	SourcePrefix uint8
	Do           bool
}

type cacheAnswer struct {
	Timestamp        time.Time
	Expiry           time.Time
	PrefetchEligible bool
	Msg              *dns.Msg

	accessCount int64 // atomic, bumped on every lookup hit
	lastAccess  int64 // atomic, unix nano of last lookup hit
}

func (c *cacheAnswer) touch() {
	atomic.AddInt64(&c.accessCount, 1)
	atomic.StoreInt64(&c.lastAccess, time.Now().UnixNano())
}

func (c cacheAnswer) MarshalJSON() ([]byte, error) {
	msg, err := c.Msg.Pack()
	if err != nil {
		return nil, err
	}
	type alias cacheAnswer
	record := struct {
		alias
		Msg []byte
	}{alias: alias(c), Msg: msg}
	return json.Marshal(record)
}

func (c *cacheAnswer) UnmarshalJSON(data []byte) error {
	type alias cacheAnswer
	aux := struct {
		*alias
		Msg []byte
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Msg = new(dns.Msg)
	return c.Msg.Unpack(aux.Msg)
}

func newLRUCache(capacity int) *lruCache {
	head := new(cacheItem)
	tail := new(cacheItem)
	head.next = tail
	tail.prev = head
	return &lruCache{maxItems: capacity, items: make(map[lruKey]*cacheItem), head: head, tail: tail}
}

func (c *lruCache) add(query *dns.Msg, answer *cacheAnswer) {
	c.addKey(lruKeyFromQuery(query), answer)
}

func (c *lruCache) addKey(key lruKey, answer *cacheAnswer) {
	if item := c.touch(key); item != nil {
		item.Answer = answer
		return
	}
	item := &cacheItem{Key: key, Answer: answer, next: c.head.next, prev: c.head}
	c.head.next.prev = item
	c.head.next = item
	c.items[key] = item
	c.resize()
}

func (c *lruCache) touch(key lruKey) *cacheItem {
	item := c.items[key]
	if item == nil {
		return nil
	}
	item.prev.next = item.next
	item.next.prev = item.prev
	item.next = c.head.next
	item.prev = c.head
	c.head.next.prev = item
	c.head.next = item
	return item
}

func (c *lruCache) delete(q *dns.Msg) {
	key := lruKeyFromQuery(q)
	item := c.items[key]
	if item == nil {
		return
	}
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(c.items, key)
}

func (c *lruCache) get(query *dns.Msg) *cacheAnswer {
	item := c.touch(lruKeyFromQuery(query))
	if item != nil {
		return item.Answer
	}
	return nil
}

func (c *lruCache) resize() {
	if c.maxItems <= 0 {
		return
	}
	drop := len(c.items) - c.maxItems
	for i := 0; i < drop; i++ {
		item := c.tail.prev
		item.prev.next = c.tail
		c.tail.prev = item.prev
		delete(c.items, item.Key)
	}
}

func (c *lruCache) reset() {
	head := new(cacheItem)
	tail := new(cacheItem)
	head.next = tail
	tail.prev = head
	c.head = head
	c.tail = tail
	c.items = make(map[lruKey]*cacheItem)
}

// deleteFunc iterates cached answers, deleting any for which f returns true.
func (c *lruCache) deleteFunc(f func(*cacheAnswer) bool) {
	item := c.head.next
	for item != c.tail {
		next := item.next
		if f(item.Answer) {
			item.prev.next = item.next
			item.next.prev = item.prev
			delete(c.items, item.Key)
		}
		item = next
	}
}

// all returns every item, most-recently-used first. Used by the binary
// snapshot writer, which needs ranking by access recency/frequency.
func (c *lruCache) all() []*cacheItem {
	out := make([]*cacheItem, 0, len(c.items))
	for item := c.head.next; item != c.tail; item = item.next {
		out = append(out, item)
	}
	return out
}

func (c *lruCache) size() int {
	return len(c.items)
}

func (c *lruCache) serialize(w io.Writer) error {
	return writeSnapshot(w, c.all())
}

func (c *lruCache) deserialize(r io.Reader) error {
	items, err := readSnapshot(r)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Key.Question.Name == "" || item.Answer == nil {
			continue
		}
		c.addKey(item.Key, item.Answer)
	}
	return nil
}

func lruKeyFromQuery(q *dns.Msg) lruKey {
	key := lruKey{Question: q.Question[0]}
	edns0 := q.IsEdns0()
	if edns0 != nil {
		key.Do = edns0.Do()
		for _, opt := range edns0.Option {
			if subnet, ok := opt.(*dns.EDNS0_SUBNET); ok {
				key.Net = subnet.Address.String()
				key.SourcePrefix = subnet.SourceNetmask
			}
		}
	}
	return key
}
