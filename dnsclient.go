package dohgw

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSClient is a plain UDP or TCP DNS resolver, pipelined over a single
// connection. Grounded on the teacher's dnsclient.go.
type DNSClient struct {
	group, id string
	net       string
	pipeline  *Pipeline
}

var _ Resolver = &DNSClient{}

// NewDNSClient returns a DNSClient for the given group/id, dialing net
// ("udp" or "tcp") connections to endpoint.
func NewDNSClient(group, id, endpoint, net string, timeout time.Duration, metrics *Metrics) *DNSClient {
	client := &dns.Client{Net: net, TLSConfig: &tls.Config{}}
	return &DNSClient{
		group: group, id: id, net: net,
		pipeline: NewPipeline(group, id, endpoint, client, timeout, metrics),
	}
}

// Resolve a DNS query against this client's upstream.
func (d *DNSClient) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	requestLogger(ci.Listener, q, ci.SourceIP).Debug("querying upstream", "resolver", d.id, "protocol", d.net)
	stripPadding(q)
	return d.pipeline.Resolve(q)
}

func (d *DNSClient) String() string {
	return fmt.Sprintf("DNS(%s)", d.id)
}
