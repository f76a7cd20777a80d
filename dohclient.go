package dohgw

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/jtacoma/uritemplates"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// dohQuicNoError is the QUIC application error code used to close idle or
// failed HTTP/3 connections. Zero means "no error", matching RFC 9250's
// convention for graceful closes.
const dohQuicNoError = 0x00

// DoHClientOptions contains options used by the DNS-over-HTTPS resolver.
type DoHClientOptions struct {
	// Query method, either GET or POST. If empty, POST is used.
	Method string

	// Bootstrap address - IP to use for the service instead of looking up
	// the service's hostname with potentially plain DNS.
	BootstrapAddr string

	// Transport protocol to run HTTPS over. "quic" (HTTP/3) or "tcp"
	// (HTTP/1.1 + h2), defaults to "tcp".
	Transport string

	// Local IP to use for outbound connections. If nil, a local address is chosen.
	LocalAddr net.IP

	TLSConfig *tls.Config

	QueryTimeout time.Duration

	// Optional dialer, e.g. proxy
	Dialer DNSProxyDialer

	Use0RTT bool
}

// DNSProxyDialer dials a raw network connection for the DoH HTTP transport,
// distinct from DNSDialer which dials DNS-framed connections.
type DNSProxyDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// client builds an HTTP client based on the DoH options.
func (opt DoHClientOptions) client(endpoint string) (*http.Client, error) {
	var (
		tr  http.RoundTripper
		err error
	)
	switch opt.Transport {
	case "tcp", "":
		tr, err = dohTCPTransport(opt)
	case "quic":
		tr, err = dohQUICTransport(endpoint, opt)
	default:
		err = fmt.Errorf("unknown transport: '%s'", opt.Transport)
	}
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}

// DoHClient is a DNS-over-HTTPS upstream resolver, supporting HTTP/1.1 with
// h2 upgrade over TCP or native HTTP/3 over QUIC. Grounded on the teacher's
// dohclient.go; ODoH-specific encryption (the teacher's odohclient.go) has
// no home in this gateway and was dropped.
type DoHClient struct {
	group, id string
	endpoint  string
	template  *uritemplates.UriTemplate
	client    *http.Client
	opt       DoHClientOptions
	metrics   *Metrics
}

var _ Resolver = &DoHClient{}

// NewDoHClient returns a DoHClient querying endpoint, which may be a URI
// template (RFC 6570) such as "https://dns.example.com/dns-query{?dns}".
func NewDoHClient(group, id, endpoint string, opt DoHClientOptions, metrics *Metrics) (*DoHClient, error) {
	template, err := uritemplates.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := opt.client(endpoint)
	if err != nil {
		return nil, err
	}

	if opt.Method == "" {
		opt.Method = "POST"
	}
	if opt.Use0RTT && opt.Transport == "quic" {
		opt.Method = "GET"
	}
	if opt.Method != "POST" && opt.Method != "GET" {
		return nil, fmt.Errorf("unsupported method '%s'", opt.Method)
	}
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultQueryTimeout
	}

	return &DoHClient{
		group: group, id: id, endpoint: endpoint,
		template: template,
		client:   client,
		opt:      opt,
		metrics:  metrics,
	}, nil
}

// Resolve a DNS query over HTTPS.
func (d *DoHClient) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	start := time.Now()
	a, err := d.resolve(q, ci)
	if d.metrics != nil {
		d.metrics.UpstreamDuration.WithLabelValues(d.group, d.id).Observe(time.Since(start).Seconds())
		if err != nil {
			d.metrics.UpstreamErrors.WithLabelValues(d.group, d.id).Inc()
		}
	}
	return a, err
}

func (d *DoHClient) resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	// Packing a message is not always a read-only operation, make a copy
	q = q.Copy()

	requestLogger(ci.Listener, q, ci.SourceIP).Debug("querying upstream",
		"resolver", d.id, "protocol", "doh", "method", d.opt.Method)

	// Add padding before sending the query over HTTPS
	padQuery(q)

	msg, err := q.Pack()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opt.QueryTimeout)
	defer cancel()

	req, err := d.buildRequest(ctx, msg)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return d.responseFromHTTP(resp)
}

func (d *DoHClient) buildRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	switch d.opt.Method {
	case "POST":
		return d.buildPostRequest(ctx, msg)
	case "GET":
		return d.buildGetRequest(ctx, msg)
	default:
		return nil, errors.New("unsupported method")
	}
}

func (d *DoHClient) buildPostRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	// The URL could be a template. Process it without values since POST doesn't use variables in the URL.
	u, err := d.template.Expand(map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	req.Header.Add("content-type", "application/dns-message")
	return req, nil
}

func (d *DoHClient) buildGetRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	// Encode the query as base64url
	b64 := base64.RawURLEncoding.EncodeToString(msg)

	// The URL must be a template. Process it with the "dns" param containing the encoded query.
	u, err := d.template.Expand(map[string]interface{}{"dns": b64})
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	if d.opt.Use0RTT && d.opt.Transport == "quic" {
		method = http3.MethodGet0RTT
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	return req, nil
}

func (d *DoHClient) String() string {
	return fmt.Sprintf("DoH(%s)", d.id)
}

// responseFromHTTP checks the HTTP response status code and parses out the
// DNS response message.
func (d *DoHClient) responseFromHTTP(resp *http.Response) (*dns.Msg, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	a := new(dns.Msg)
	err = a.Unpack(rb)
	return a, err
}

func dohTCPTransport(opt DoHClientOptions) (http.RoundTripper, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       opt.TLSConfig,
		DisableCompression:    true,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	}
	// If we're using a custom tls.Config, HTTP2 isn't enabled by default in
	// the HTTP library. Turn it on for this transport.
	if tr.TLSClientConfig != nil {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, err
		}
	}

	// Use a custom dialer if a bootstrap address or local address was provided
	if opt.BootstrapAddr != "" || opt.LocalAddr != nil || opt.Dialer != nil {
		d := net.Dialer{LocalAddr: &net.TCPAddr{IP: opt.LocalAddr}}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if opt.BootstrapAddr != "" {
				_, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				addr = net.JoinHostPort(opt.BootstrapAddr, port)
			}
			if opt.Dialer != nil {
				return opt.Dialer.Dial(network, addr)
			}
			return d.DialContext(ctx, network, addr)
		}
	}
	return tr, nil
}

func dohQUICTransport(endpoint string, opt DoHClientOptions) (http.RoundTripper, error) {
	var tlsConfig *tls.Config
	if opt.TLSConfig == nil {
		tlsConfig = new(tls.Config)
	} else {
		tlsConfig = opt.TLSConfig.Clone()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	// enable TLS session caching for session resumption and 0-RTT
	tlsConfig.ClientSessionCache = tls.NewLRUClientSessionCache(100)
	tlsConfig.ServerName = u.Hostname()
	lAddr := net.IPv4zero
	if opt.LocalAddr != nil {
		lAddr = opt.LocalAddr
	}

	dialer := func(ctx context.Context, addr string, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, error) {
		return newQUICConnection(u.Hostname(), addr, lAddr, tlsConfig, config)
	}
	if opt.BootstrapAddr != "" {
		dialer = func(ctx context.Context, addr string, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort(opt.BootstrapAddr, port)
			return newQUICConnection(u.Hostname(), addr, lAddr, tlsConfig, config)
		}
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			TokenStore: quic.NewLRUTokenStore(10, 10),
		},
		Dial: dialer,
	}
	return tr, nil
}

// quicConnection is a QUIC connection that automatically restarts when used
// after timing out. Needed since the quic-go RoundTripper doesn't manage
// connections itself and timed-out connections aren't restarted. It uses
// EarlyConnection so 0-RTT can be used if the server supports it.
type quicConnection struct {
	quic.EarlyConnection

	hostname  string
	rAddr     string
	lAddr     net.IP
	tlsConfig *tls.Config
	config    *quic.Config
	mu        sync.Mutex
	udpConn   *net.UDPConn
}

func newQUICConnection(hostname, rAddr string, lAddr net.IP, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, error) {
	connection, udpConn, err := quicDial(context.TODO(), hostname, rAddr, lAddr, tlsConfig, config)
	if err != nil {
		return nil, err
	}

	Log.Debug("new quic connection", "hostname", hostname, "remote", rAddr, "local", lAddr.String())

	return &quicConnection{
		hostname:        hostname,
		rAddr:           rAddr,
		lAddr:           lAddr,
		tlsConfig:       tlsConfig,
		config:          config,
		udpConn:         udpConn,
		EarlyConnection: connection,
	}, nil
}

func (s *quicConnection) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, err := s.EarlyConnection.OpenStreamSync(ctx)
	if netErr, ok := err.(net.Error); ok && (netErr.Timeout() || netErr.Temporary()) {
		Log.Debug("temporary fail when trying to open stream, attempting new connection", "error", err)
		if err = s.restart(); err != nil {
			return nil, err
		}
		stream, err = s.EarlyConnection.OpenStreamSync(ctx)
	}
	return stream, err
}

func (s *quicConnection) OpenStream() (quic.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, err := s.EarlyConnection.OpenStream()
	if netErr, ok := err.(net.Error); ok && (netErr.Timeout() || netErr.Temporary()) {
		Log.Debug("temporary fail when trying to open stream, attempting new connection", "error", err)
		if err = s.restart(); err != nil {
			return nil, err
		}
		stream, err = s.EarlyConnection.OpenStream()
	}
	return stream, err
}

func (s *quicConnection) NextConnection(context.Context) (quic.Connection, error) {
	return nil, errors.New("not implemented")
}

// restart tries to open a new connection, cleaning up the old one first.
// Must be called with s locked.
func (s *quicConnection) restart() error {
	_ = s.EarlyConnection.CloseWithError(dohQuicNoError, "")

	// We need to close the UDP socket ourselves as we own the socket not the quic-go module
	// c.f. https://github.com/quic-go/quic-go/issues/1457
	if s.udpConn != nil {
		_ = s.udpConn.Close()
		s.udpConn = nil
	}
	Log.Debug("attempt reconnect", "hostname", s.hostname, "local", s.lAddr.String(), "remote", s.rAddr)
	earlyConn, udpConn, err := quicDial(context.TODO(), s.hostname, s.rAddr, s.lAddr, s.tlsConfig, s.config)
	if err != nil || udpConn == nil {
		Log.Error("couldn't restart quic connection", "hostname", s.hostname, "local", s.lAddr.String(), "error", err)
		return err
	}
	Log.Debug("restarted quic connection", "hostname", s.hostname, "local", s.lAddr.String(), "remote", s.rAddr)

	s.udpConn = udpConn
	s.EarlyConnection = earlyConn
	return nil
}

func quicDial(ctx context.Context, hostname, rAddr string, lAddr net.IP, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, *net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", rAddr)
	if err != nil {
		Log.Debug("couldn't resolve remote addr for UDP quic client", "remote", rAddr, "error", err)
		return nil, nil, err
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: lAddr, Port: 0})
	if err != nil {
		Log.Debug("couldn't listen on UDP socket on local address", "local", lAddr.String(), "error", err)
		return nil, nil, err
	}
	// use DialEarly so that we attempt to use 0-RTT DNS queries, it's lower latency (if the server supports it)
	earlyConn, err := quic.DialEarly(ctx, udpConn, udpAddr, tlsConfig, config)
	if err != nil {
		// don't leak filehandles / sockets; if we got here udpConn must exist
		_ = udpConn.Close()
		Log.Debug("couldn't dial quic early connection", "error", err)
		return nil, nil, err
	}
	return earlyConn, udpConn, nil
}
