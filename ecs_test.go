package dohgw

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func queryWithECS(t *testing.T, addr net.IP, prefix, scope uint8) *dns.Msg {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.SetEdns0(4096, false)
	edns0 := q.IsEdns0()
	edns0.Option = append(edns0.Option, &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: prefix,
		SourceScope:   scope,
		Address:       addr,
	})
	return q
}

func TestECSPolicyStrip(t *testing.T) {
	q := queryWithECS(t, net.ParseIP("203.0.113.1"), 24, 0)
	p := ECSPolicy{Strategy: ECSStrip}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("203.0.113.1")})

	got := Extract(q)
	require.False(t, got.Present)
}

func TestECSPolicyForwardRezeroesScopeOnExisting(t *testing.T) {
	q := queryWithECS(t, net.ParseIP("203.0.113.1"), 24, 24)
	p := ECSPolicy{Strategy: ECSForward}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("198.51.100.1")})

	got := Extract(q)
	require.True(t, got.Present)
	require.Equal(t, uint8(24), got.SourcePrefix)
	require.Equal(t, uint8(0), got.ScopePrefix)
	require.Equal(t, "203.0.113.1", got.Address.String())
}

func TestECSPolicyForwardDegradesToStripAtZeroSourcePrefix(t *testing.T) {
	q := queryWithECS(t, net.ParseIP("0.0.0.0"), 0, 0)
	p := ECSPolicy{Strategy: ECSForward}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("198.51.100.1")})

	got := Extract(q)
	require.False(t, got.Present)
}

func TestECSPolicyForwardSynthesizesFromClientIP(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	p := ECSPolicy{Strategy: ECSForward}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("203.0.113.7")})

	got := Extract(q)
	require.True(t, got.Present)
	require.Equal(t, uint8(32), got.SourcePrefix)
	require.Equal(t, "203.0.113.7", got.Address.String())
}

func TestECSPolicyForwardStripsWithNoClientIP(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	p := ECSPolicy{Strategy: ECSForward}
	p.Apply(q, ClientInfo{})

	got := Extract(q)
	require.False(t, got.Present)
}

func TestECSPolicyAnonymizeMasksToPrefix(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	p := ECSPolicy{Strategy: ECSAnonymize, Prefix4: 24}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("203.0.113.42")})

	got := Extract(q)
	require.True(t, got.Present)
	require.Equal(t, uint8(24), got.SourcePrefix)
	require.Equal(t, "203.0.113.0", got.Address.String())
}

func TestECSPolicyAnonymizeZeroPrefixStrips(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	p := ECSPolicy{Strategy: ECSAnonymize, Prefix4: 0}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("203.0.113.42")})

	got := Extract(q)
	require.False(t, got.Present)
}

func TestECSPolicyAnonymizeRespectsNarrowerClientPrefix(t *testing.T) {
	// Client already anonymized to /16; configured /24 must not widen it.
	q := queryWithECS(t, net.ParseIP("203.0.0.0"), 16, 0)
	p := ECSPolicy{Strategy: ECSAnonymize, Prefix4: 24}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("198.51.100.1")})

	got := Extract(q)
	require.True(t, got.Present)
	require.Equal(t, uint8(16), got.SourcePrefix)
	require.Equal(t, "203.0.0.0", got.Address.String())
}

func TestECSPolicyAnonymizeDegradesToStripAtZeroSourcePrefix(t *testing.T) {
	q := queryWithECS(t, net.ParseIP("0.0.0.0"), 0, 0)
	p := ECSPolicy{Strategy: ECSAnonymize, Prefix4: 24}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("198.51.100.1")})

	got := Extract(q)
	require.False(t, got.Present)
}

func TestECSPolicyAnonymizeIPv6(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	p := ECSPolicy{Strategy: ECSAnonymize, Prefix6: 48}
	p.Apply(q, ClientInfo{SourceIP: net.ParseIP("2001:db8:abcd:1234::1")})

	got := Extract(q)
	require.True(t, got.Present)
	require.Equal(t, uint16(2), got.Family)
	require.Equal(t, uint8(48), got.SourcePrefix)
	require.Equal(t, "2001:db8:abcd::", got.Address.String())
}

func TestECSPolicyRecordsMetric(t *testing.T) {
	metrics := NewMetrics()
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	p := ECSPolicy{Strategy: ECSStrip, Metrics: metrics}
	p.Apply(q, ClientInfo{})

	count := testutil.ToFloat64(metrics.ECSProcessed.WithLabelValues("strip"))
	require.Equal(t, float64(1), count)
}
