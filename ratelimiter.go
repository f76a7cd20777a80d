package dohgw

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrRateLimited is returned by RateLimiter.Allow when a client has
// exceeded its token bucket or concurrency cap.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiterOptions configures the per-client-IP token bucket and
// concurrency cap.
type RateLimiterOptions struct {
	// PerIPRate is the token bucket refill rate in tokens/second, and also
	// its burst size (rate == burst). Valid range [1, 10000].
	PerIPRate int

	// PerIPConcurrent bounds the number of in-flight requests per client
	// IP. Valid range [1, 10000].
	PerIPConcurrent int

	// Prefix4/Prefix6 mask client addresses down to a network before
	// keying the limiter, so e.g. a /64 of IPv6 addresses shares one
	// bucket.
	Prefix4 uint8
	Prefix6 uint8

	// SweepInterval controls how often idle entries (no tokens owed,
	// zero in-flight) are evicted. Defaults to one minute.
	SweepInterval time.Duration
}

// clientLimiter is the per-client-IP bucket plus concurrency counter.
type clientLimiter struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	inFlight   int
}

// RateLimiter is a per-client-IP token bucket with a separate concurrency
// cap, grounded on the teacher's rate-limiter.go (which used a fixed
// window counter); the counting algorithm here is a generalization to a
// continuous token bucket plus a concurrency gate, per the gateway's rate
// limiting requirements.
type RateLimiter struct {
	opt RateLimiterOptions

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	metrics  *Metrics
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter returns a running RateLimiter; call Close to stop its
// background sweep.
func NewRateLimiter(opt RateLimiterOptions, metrics *Metrics) *RateLimiter {
	if opt.PerIPRate < 1 {
		opt.PerIPRate = 1
	}
	if opt.PerIPRate > 10000 {
		opt.PerIPRate = 10000
	}
	if opt.PerIPConcurrent < 1 {
		opt.PerIPConcurrent = 1
	}
	if opt.PerIPConcurrent > 10000 {
		opt.PerIPConcurrent = 10000
	}
	if opt.Prefix4 == 0 {
		opt.Prefix4 = 32
	}
	if opt.Prefix6 == 0 {
		opt.Prefix6 = 64
	}
	if opt.SweepInterval == 0 {
		opt.SweepInterval = time.Minute
	}
	r := &RateLimiter{
		opt:     opt,
		clients: make(map[string]*clientLimiter),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// key masks the client address down to its configured prefix.
func (r *RateLimiter) key(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(int(r.opt.Prefix4), 32)).String()
	}
	return ip.Mask(net.CIDRMask(int(r.opt.Prefix6), 128)).String()
}

// Allow checks the token bucket and concurrency cap for ip. On success it
// returns a release function that must be called once the request
// completes, decrementing the concurrency counter. On rejection it
// returns ErrRateLimited and a nil release function.
func (r *RateLimiter) Allow(ip net.IP) (release func(), err error) {
	key := r.key(ip)

	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		c = &clientLimiter{tokens: float64(r.opt.PerIPRate), lastRefill: time.Now()}
		r.clients[key] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(c.lastRefill).Seconds()
	c.lastRefill = now
	c.tokens += elapsed * float64(r.opt.PerIPRate)
	if c.tokens > float64(r.opt.PerIPRate) {
		c.tokens = float64(r.opt.PerIPRate)
	}

	if c.tokens < 1 {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.WithLabelValues("token_bucket").Inc()
		}
		return nil, ErrRateLimited
	}

	if c.inFlight+1 > r.opt.PerIPConcurrent {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.WithLabelValues("concurrency").Inc()
		}
		return nil, ErrRateLimited
	}

	c.tokens--
	c.inFlight++

	return func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}, nil
}

// sweepLoop periodically removes idle entries (full bucket, no requests
// in flight) to bound memory use.
func (r *RateLimiter) sweepLoop() {
	t := time.NewTicker(r.opt.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *RateLimiter) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.clients {
		c.mu.Lock()
		tokens := c.tokens + time.Since(c.lastRefill).Seconds()*float64(r.opt.PerIPRate)
		idle := c.inFlight == 0 && tokens >= float64(r.opt.PerIPRate)
		c.mu.Unlock()
		if idle {
			delete(r.clients, key)
		}
	}
}

// Close stops the idle-entry sweep.
func (r *RateLimiter) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
