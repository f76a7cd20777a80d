package dohgw

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestDoHClientSimplePOST(t *testing.T) {
	d, err := NewDoHClient("test-group", "test-doh", "https://1.1.1.1/dns-query{?dns}",
		DoHClientOptions{Method: "POST", QueryTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	q := new(dns.Msg)
	q.SetQuestion("cloudflare.com.", dns.TypeA)
	r, err := d.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.NotEmpty(t, r.Answer)
}

func TestDoHClientSimpleGET(t *testing.T) {
	d, err := NewDoHClient("test-group", "test-doh", "https://cloudflare-dns.com/dns-query{?dns}",
		DoHClientOptions{Method: "GET", QueryTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	q := new(dns.Msg)
	q.SetQuestion("cloudflare.com.", dns.TypeA)
	r, err := d.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.NotEmpty(t, r.Answer)
}

func TestDoHClientRejectsUnsupportedMethod(t *testing.T) {
	_, err := NewDoHClient("test-group", "test-doh", "https://example.com/dns-query",
		DoHClientOptions{Method: "PUT"}, nil)
	require.Error(t, err)
}

func TestDoHTCPTransportDefault(t *testing.T) {
	tr, err := dohTCPTransport(DoHClientOptions{})
	require.NoError(t, err)
	require.NotNil(t, tr)
}
