package dohgw

import (
	"fmt"

	"github.com/miekg/dns"
)

// gatewayResolver ties the routing engine to the upstream manager,
// synthesizing a blackhole answer instead of dispatching upstream when the
// router says so. This is what Cache wraps: cache lookups happen in front
// of routing/ECS/upstream dispatch, so a cache hit never touches either.
type gatewayResolver struct {
	router   *Router
	upstream *UpstreamManager
	notice   *blackholeNotice
}

var _ Resolver = &gatewayResolver{}

func newGatewayResolver(router *Router, upstream *UpstreamManager, notice *blackholeNotice) *gatewayResolver {
	return &gatewayResolver{router: router, upstream: upstream, notice: notice}
}

func (g *gatewayResolver) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	if len(q.Question) < 1 {
		return nil, fmt.Errorf("no question in query")
	}
	decision := g.router.Resolve(q.Question[0].Name)
	if decision.Target == Blackhole {
		return synthesizeBlackhole(q, g.notice), nil
	}
	return g.upstream.Resolve(decision, q, ci)
}

func (g *gatewayResolver) String() string { return "gateway" }
