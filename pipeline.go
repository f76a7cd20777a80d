package dohgw

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// defaultQueryTimeout is used when a resolver's QueryTimeout is unset.
const defaultQueryTimeout = 2 * time.Second

// idleTimeout tears down an upstream connection if nothing is read for this
// long.
const idleTimeout = 10 * time.Second

// Pipeline is a DNS client able to pipeline multiple requests over one
// connection, match out-of-order responses, and reconnect transparently. It
// opens a single connection on demand and reuses it for subsequent queries.
// Grounded on the teacher's pipeline.go; used by both the plain UDP/TCP
// client and the DNS-over-TLS client so the two don't duplicate connection
// bookkeeping.
type Pipeline struct {
	group, resolver string
	addr            string
	client          DNSDialer
	requests        chan *request
	metrics         *Metrics
	timeout         time.Duration
}

// DNSDialer abstracts a dns.Client that returns a *dns.Conn.
type DNSDialer interface {
	Dial(address string) (*dns.Conn, error)
}

// NewPipeline returns an initialized (and running) connection manager.
func NewPipeline(group, resolver, addr string, client DNSDialer, timeout time.Duration, metrics *Metrics) *Pipeline {
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	c := &Pipeline{
		group: group, resolver: resolver,
		addr: addr, client: client,
		requests: make(chan *request),
		metrics:  metrics,
		timeout:  timeout,
	}
	go c.start()
	return c
}

// Resolve a single query using this connection.
func (c *Pipeline) Resolve(q *dns.Msg) (*dns.Msg, error) {
	start := time.Now()
	a, err := c.resolve(q)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(c.group, c.resolver).Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.UpstreamErrors.WithLabelValues(c.group, c.resolver).Inc()
		}
	}
	return a, err
}

func (c *Pipeline) resolve(q *dns.Msg) (*dns.Msg, error) {
	r := newRequest(q)

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	select {
	case c.requests <- r:
	case <-timeout.C:
		return nil, QueryTimeoutError{q}
	}

	select {
	case <-r.done:
	case <-timeout.C:
		return nil, QueryTimeoutError{q}
	}

	return r.waitFor()
}

// start runs the lazy-connect loop: opens a connection on first request,
// then writes and reads concurrently on it until it errors or idles out.
func (c *Pipeline) start() {
	var (
		wg       sync.WaitGroup
		inFlight inFlightQueue
	)
	log := Log.With("addr", c.addr)
	for req := range c.requests {
		done := make(chan struct{})
		log.Debug("opening connection")
		conn, err := c.client.Dial(c.addr)
		if err != nil {
			log.Error("failed to open connection", "error", err)
			req.markDone(nil, err)
			continue
		}
		wg.Add(2)

		go func(r *request) { c.requests <- r }(req)

		go func() { // writer
			for {
				select {
				case req := <-c.requests:
					query := inFlight.add(req)
					log.With("qname", qName(query)).Debug("sending query")
					if err := conn.WriteMsg(query); err != nil {
						req.markDone(nil, err)
						inFlight.get(query)
						conn.Close()
						wg.Done()
						log.With("qname", qName(query)).Debug("failed sending query", "error", err)
						return
					}
				case <-done:
					wg.Done()
					return
				}
			}
		}()
		go func() { // reader
			for {
				_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
				a, err := conn.ReadMsg()
				if err != nil {
					switch e := err.(type) {
					case net.Error:
						if e.Timeout() {
							log.Debug("connection terminated by idle timeout")
						} else {
							log.Debug("connection terminated by server")
						}
						close(done)
						wg.Done()
						return
					default:
						if err == io.EOF {
							log.Debug("connection terminated by server")
							close(done)
							wg.Done()
							return
						}
						if a == nil {
							log.Error("read failed", "error", err)
							close(done)
							wg.Done()
							return
						}
						log.Warn("failed to read response", "error", err, "qname", qName(a))
					}
				}
				req := inFlight.get(a)
				if req == nil {
					log.With("qname", qName(a)).Warn("unexpected answer received, ignoring")
					continue
				}
				req.markDone(a, nil)
			}
		}()

		wg.Wait()
	}
}

// request is a query in flight, with its answer and completion channel.
type request struct {
	q, a *dns.Msg
	err  error
	done chan struct{}
}

func newRequest(q *dns.Msg) *request {
	return &request{q: q, done: make(chan struct{})}
}

func (r *request) waitFor() (*dns.Msg, error) {
	<-r.done
	if r.err == nil {
		if len(r.a.Question) > 0 && len(r.q.Question) > 0 {
			q := r.q.Question[0]
			a := r.a.Question[0]
			if a.Name != q.Name || a.Qclass != q.Qclass || a.Qtype != q.Qtype {
				return nil, fmt.Errorf("expected answer for %s, got %s", q.String(), a.String())
			}
		}
	}
	return r.a, r.err
}

func (r *request) markDone(a *dns.Msg, err error) {
	if a != nil {
		a.Id = r.q.Id
	}
	r.a = a
	r.err = err
	close(r.done)
}

// inFlightQueue matches asynchronously received responses to their request,
// remapping query IDs so concurrent in-flight queries on one connection
// never collide.
type inFlightQueue struct {
	requests  map[uint16]*request
	mu        sync.Mutex
	idCounter uint16
}

func (q *inFlightQueue) add(r *request) *dns.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.requests == nil {
		q.requests = make(map[uint16]*request)
	}
	q.idCounter++
	q.requests[q.idCounter] = r
	query := r.q.Copy()
	query.Id = q.idCounter
	return query
}

func (q *inFlightQueue) get(a *dns.Msg) *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := a.Id
	r, ok := q.requests[id]
	if !ok {
		return nil
	}
	delete(q.requests, id)
	return r
}
