package dohgw

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver resolves DNS queries against an upstream. ClientInfo carries the
// information downstream components (ECS policy, rate limiting, routing) need
// about the original requester even though the resolver itself speaks a
// different transport than the one the client used.
type Resolver interface {
	Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error)
	fmt.Stringer
}

// ClientInfo describes the originator of a DoH request as it travels through
// the pipeline: the cache, ECS processor and upstream manager read from it,
// none of them mutate it. The rate limiter is handed SourceIP alone and the
// router only the query name.
type ClientInfo struct {
	// SourceIP is the client's address: either the TCP/TLS peer address, or
	// the address recovered from a trusted proxy header.
	SourceIP net.IP
	// Listener is the ID of the listener that accepted the request, used in
	// log lines and metrics labels.
	Listener string
	// RequestID is a short correlation ID for the request. The handler does
	// not set it and requestLogger does not log it.
	RequestID string
}
