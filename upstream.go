package dohgw

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// UpstreamResolverConfig names one resolver in an upstream group.
type UpstreamResolverConfig struct {
	Address  string
	Protocol string // "udp", "tcp", "dot", "doh"
}

// UpstreamGroupConfig is one named group of resolvers, selectable by the
// routing engine, per spec.md §3's upstream group data model.
type UpstreamGroupConfig struct {
	Name         string
	Resolvers    []UpstreamResolverConfig
	EnableDNSSEC bool
	Strategy     string // "roundrobin" or "failrotate", defaults to "roundrobin"
	QueryTimeout time.Duration
	ECSPolicy    ECSPolicy
	DoHOptions   DoHClientOptions
	DoTTLSConfig *tls.Config
}

// UpstreamManager builds and holds per-group resolver pools and dispatches
// a query to the group selected by the routing engine, implementing
// spec.md §4.5. Grounded on the teacher's pattern of composing resolvers
// (roundrobin.go/failrotate.go wrapping protocol clients) rather than a
// single monolithic dispatcher.
type UpstreamManager struct {
	groups  map[string]*upstreamGroup
	global  string
	metrics *Metrics
}

type upstreamGroup struct {
	name      string
	pool      Resolver
	ecsPolicy ECSPolicy
	dnssec    bool
}

// NewUpstreamManager builds one resolver pool per configured group. global
// names the group used for Decision.Global routing outcomes; it must be
// present in groups.
func NewUpstreamManager(groups []UpstreamGroupConfig, global string, metrics *Metrics) (*UpstreamManager, error) {
	m := &UpstreamManager{groups: make(map[string]*upstreamGroup), global: global, metrics: metrics}
	for _, g := range groups {
		if g.Name == Blackhole {
			return nil, fmt.Errorf("upstream group cannot use reserved name %q", Blackhole)
		}
		pool, err := buildPool(g, metrics)
		if err != nil {
			return nil, fmt.Errorf("building upstream group %q: %w", g.Name, err)
		}
		g.ECSPolicy.Metrics = metrics
		m.groups[g.Name] = &upstreamGroup{name: g.Name, pool: pool, ecsPolicy: g.ECSPolicy, dnssec: g.EnableDNSSEC}
	}
	if _, ok := m.groups[global]; !ok {
		return nil, fmt.Errorf("global upstream group %q is not configured", global)
	}
	return m, nil
}

func buildPool(g UpstreamGroupConfig, metrics *Metrics) (Resolver, error) {
	if len(g.Resolvers) == 0 {
		return nil, fmt.Errorf("group has no resolvers configured")
	}
	resolvers := make([]Resolver, 0, len(g.Resolvers))
	for i, rc := range g.Resolvers {
		id := fmt.Sprintf("%s-%d", g.Name, i)
		switch rc.Protocol {
		case "udp", "tcp":
			resolvers = append(resolvers, NewDNSClient(g.Name, id, rc.Address, rc.Protocol, g.QueryTimeout, metrics))
		case "dot":
			resolvers = append(resolvers, NewDoTClient(g.Name, id, rc.Address, g.DoTTLSConfig, g.QueryTimeout, metrics))
		case "doh":
			client, err := NewDoHClient(g.Name, id, rc.Address, g.DoHOptions, metrics)
			if err != nil {
				return nil, err
			}
			resolvers = append(resolvers, client)
		default:
			return nil, fmt.Errorf("unknown protocol %q", rc.Protocol)
		}
	}
	switch g.Strategy {
	case "failrotate":
		return NewFailRotate(resolvers...), nil
	default:
		return NewRoundRobin(resolvers...), nil
	}
}

// Resolve dispatches q to the group named by decision, applying that
// group's ECS policy first and shaping the response per spec.md §4.5 step
// 5 (QR=1, RA=1, preserve RD/CD, AD only with DNSSEC enabled).
func (m *UpstreamManager) Resolve(decision Decision, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	name := decision.Target
	if name == Blackhole {
		return nil, fmt.Errorf("upstream manager cannot resolve the blackhole target")
	}
	if name == "" {
		name = m.global
	}
	g, ok := m.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown upstream group %q", name)
	}

	outbound := q.Copy()
	g.ecsPolicy.Apply(outbound, ci)

	a, err := g.pool.Resolve(outbound, ci)
	if err != nil {
		return nil, err
	}
	return shapeResponse(q, a, g.dnssec), nil
}

// shapeResponse builds the final reply per spec.md §4.5 step 5: copy the
// query id, set QR and RA, preserve RD and CD from the original request,
// and copy AD from the upstream answer only when DNSSEC is enabled for
// this group.
func shapeResponse(q, upstream *dns.Msg, dnssecEnabled bool) *dns.Msg {
	a := upstream.Copy()
	a.Id = q.Id
	a.Response = true
	a.RecursionAvailable = true
	a.RecursionDesired = q.RecursionDesired
	a.CheckingDisabled = q.CheckingDisabled
	if !dnssecEnabled {
		a.AuthenticatedData = false
	}
	return a
}

func (m *UpstreamManager) String() string { return "upstream-manager" }
