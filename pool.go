package dohgw

import (
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// RoundRobin is a group of resolvers that receives equal amounts of queries.
// Failed queries are not retried. Grounded on the teacher's roundrobin.go,
// generalized to pass ClientInfo through.
type RoundRobin struct {
	resolvers []Resolver
	mu        sync.Mutex
	current   int
}

var _ Resolver = &RoundRobin{}

// NewRoundRobin returns a new instance of a round-robin resolver group.
func NewRoundRobin(resolvers ...Resolver) *RoundRobin {
	return &RoundRobin{resolvers: resolvers}
}

// Resolve a DNS query using a round-robin resolver group.
func (r *RoundRobin) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	r.mu.Lock()
	resolver := r.resolvers[r.current]
	r.current = (r.current + 1) % len(r.resolvers)
	r.mu.Unlock()
	return resolver.Resolve(q, ci)
}

func (r *RoundRobin) String() string {
	var s []string
	for _, resolver := range r.resolvers {
		s = append(s, resolver.String())
	}
	return fmt.Sprintf("RoundRobin(%s)", strings.Join(s, ";"))
}

// FailRotate is a resolver group that queries the same resolver unless that
// returns a failure, in which case the request is retried on the next one
// for up to N times (N = number of resolvers in the group). If the last
// resolver fails, the first one in the list becomes active again. This
// group does not fail back automatically. Grounded on the teacher's
// failrotate.go, generalized to pass ClientInfo through.
type FailRotate struct {
	resolvers []Resolver
	mu        sync.RWMutex
	active    int
}

var _ Resolver = &FailRotate{}

// NewFailRotate returns a new instance of a failover resolver group.
func NewFailRotate(resolvers ...Resolver) *FailRotate {
	return &FailRotate{resolvers: resolvers}
}

// Resolve a DNS query using a failover resolver group that switches to the
// next resolver on error.
func (r *FailRotate) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	var gErr error
	for i := 0; i < len(r.resolvers); i++ {
		resolver, active := r.current()
		a, err := resolver.Resolve(q, ci)
		if err == nil { // Return immediately if successful
			return a, err
		}

		// Record the error to be returned when all requests fail
		gErr = err

		r.errorFrom(active)
	}
	return nil, gErr
}

func (r *FailRotate) String() string {
	var s []string
	for _, resolver := range r.resolvers {
		s = append(s, resolver.String())
	}
	return fmt.Sprintf("FailRotate(%s)", strings.Join(s, ";"))
}

// current thread-safely returns the currently active resolver.
func (r *FailRotate) current() (Resolver, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolvers[r.active], r.active
}

// errorFrom fails over to the next available resolver after receiving an
// error from i (the active one). We need i to know which resolver returned
// the error since there could be failures from concurrent requests; another
// request could have already initiated the failover, so ignore i if it's no
// longer active.
func (r *FailRotate) errorFrom(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i != r.active {
		return
	}
	r.active = (r.active + 1) % len(r.resolvers)
}
