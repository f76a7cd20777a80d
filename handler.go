package dohgw

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxRequestSize bounds a POST /dns-query body, per spec.md §4.1.
const MaxRequestSize = 8 * 1024

// defaultClientIPHeaders is the header scan order used to recover the
// client's address behind a reverse proxy, per spec.md §4.1 step 1.
var defaultClientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// ClientIPHeaders overrides defaultClientIPHeaders, checked in order.
	ClientIPHeaders []string
}

// Handler is the DoH HTTP front-end, implementing spec.md §4.1: the fixed
// per-request pipeline of decoding, client-IP resolution, rate limiting,
// cache/route/ECS/upstream dispatch, and response encoding. Grounded on the
// teacher's dohlistener.go, generalized from a single TCP/QUIC http.Server
// pair into a plain http.Handler (TLS termination and listening are left
// to the caller, e.g. cmd/dohgw, matching spec.md's "delegated to the HTTP
// stack" non-goal).
type Handler struct {
	id          string
	resolver    Resolver
	rateLimiter *RateLimiter
	metrics     *Metrics
	opt         HandlerOptions
	ready       func() bool
}

// NewHandler returns a Handler serving resolver, gated by rateLimiter.
// ready reports whether /health should return 200; if nil, /health always
// succeeds once the handler exists.
func NewHandler(id string, resolver Resolver, rateLimiter *RateLimiter, metrics *Metrics, opt HandlerOptions, ready func() bool) *Handler {
	if len(opt.ClientIPHeaders) == 0 {
		opt.ClientIPHeaders = defaultClientIPHeaders
	}
	return &Handler{id: id, resolver: resolver, rateLimiter: rateLimiter, metrics: metrics, opt: opt, ready: ready}
}

// Mux returns an http.ServeMux with all of the gateway's endpoints wired
// up, ready to be served behind TLS by the caller.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", h.dnsQueryHandler)
	mux.HandleFunc("/resolve", h.resolveHandler)
	mux.HandleFunc("/health", h.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (h *Handler) String() string { return h.id }

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (h *Handler) dnsQueryHandler(w http.ResponseWriter, r *http.Request) {
	var (
		msg []byte
		err error
	)
	switch r.Method {
	case http.MethodGet:
		msg, err = decodeGetQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case http.MethodPost:
		ct := r.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, "application/dns-message") {
			http.Error(w, "unsupported content-type", http.StatusUnsupportedMediaType)
			return
		}
		body := http.MaxBytesReader(w, r.Body, MaxRequestSize+1)
		msg, err = io.ReadAll(body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(msg) > MaxRequestSize {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
	default:
		http.Error(w, "only GET and POST allowed", http.StatusMethodNotAllowed)
		return
	}

	q := new(dns.Msg)
	if err := q.Unpack(msg); err != nil {
		h.recordError("decode")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a := h.resolve(w, r, q)
	if a == nil {
		return
	}

	padAnswer(q, a)
	out, err := a.Pack()
	if err != nil {
		h.recordError("pack")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/dns-message")
	_, _ = w.Write(out)
}

func decodeGetQuery(r *http.Request) ([]byte, error) {
	b64 := r.URL.Query().Get("dns")
	if b64 == "" {
		return nil, fmt.Errorf("missing dns query parameter")
	}
	msg, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid dns query parameter: %w", err)
	}
	if len(msg) > MaxRequestSize {
		return nil, fmt.Errorf("query too large")
	}
	return msg, nil
}

// resolve runs the shared rate-limit/resolve pipeline common to both
// endpoint styles. It writes an error response and returns nil if the
// request should stop here.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, q *dns.Msg) *dns.Msg {
	start := time.Now()
	clientIP := h.extractClientIP(r)
	if clientIP == nil {
		http.Error(w, "could not determine client address", http.StatusBadRequest)
		return nil
	}

	var release func()
	if h.rateLimiter != nil {
		var err error
		release, err = h.rateLimiter.Allow(clientIP)
		if err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return nil
		}
	}
	if release != nil {
		defer release()
	}

	ci := ClientInfo{SourceIP: clientIP, Listener: h.id}
	log := requestLogger(h.id, q, clientIP)

	a, err := h.resolver.Resolve(q, ci)
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(h.id).Inc()
		h.metrics.RequestDuration.WithLabelValues(h.id).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.Error("failed to resolve", "error", err)
		h.recordError("resolve")
		http.Error(w, "resolution failed", http.StatusInternalServerError)
		return nil
	}
	if a == nil {
		a = servfail(q)
	}
	a.Id = q.Id
	return a
}

func (h *Handler) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// extractClientIP scans the configured headers, in order, for the
// first syntactically valid address, falling back to the transport peer.
func (h *Handler) extractClientIP(r *http.Request) net.IP {
	for _, name := range h.opt.ClientIPHeaders {
		v := r.Header.Get(name)
		if v == "" {
			continue
		}
		// X-Forwarded-For may carry a comma-separated chain; the client is
		// the first entry.
		first := strings.TrimSpace(strings.Split(v, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// dnsJSONQuestion/dnsJSONAnswer/dnsJSONResponse implement the DNS-JSON form
// of GET /resolve, compatible with the format popularized by Google's and
// Cloudflare's public resolvers.
type dnsJSONQuestion struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

type dnsJSONAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type dnsJSONResponse struct {
	Status   int               `json:"Status"`
	TC       bool              `json:"TC"`
	RD       bool              `json:"RD"`
	RA       bool              `json:"RA"`
	AD       bool              `json:"AD"`
	CD       bool              `json:"CD"`
	Question []dnsJSONQuestion `json:"Question"`
	Answer   []dnsJSONAnswer   `json:"Answer,omitempty"`
}

func (h *Handler) resolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	name := query.Get("name")
	if name == "" {
		http.Error(w, "missing name parameter", http.StatusBadRequest)
		return
	}
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	qtype := uint16(dns.TypeA)
	if t := query.Get("type"); t != "" {
		if parsed, ok := dns.StringToType[strings.ToUpper(t)]; ok {
			qtype = parsed
		} else if n, err := strconv.ParseUint(t, 10, 16); err == nil {
			qtype = uint16(n)
		} else {
			http.Error(w, "invalid type parameter", http.StatusBadRequest)
			return
		}
	}

	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.RecursionDesired = true
	q.CheckingDisabled = parseBoolParam(query.Get("cd"))
	if parseBoolParam(query.Get("do")) {
		q.SetEdns0(4096, true)
	}

	a := h.resolve(w, r, q)
	if a == nil {
		return
	}

	resp := dnsJSONResponse{
		Status: a.Rcode,
		TC:     a.Truncated,
		RD:     a.RecursionDesired,
		RA:     a.RecursionAvailable,
		AD:     a.AuthenticatedData,
		CD:     a.CheckingDisabled,
	}
	for _, ques := range a.Question {
		resp.Question = append(resp.Question, dnsJSONQuestion{Name: ques.Name, Type: ques.Qtype})
	}
	for _, rr := range a.Answer {
		resp.Answer = append(resp.Answer, dnsJSONAnswer{
			Name: rr.Header().Name,
			Type: rr.Header().Rrtype,
			TTL:  rr.Header().Ttl,
			Data: rrDataString(rr),
		})
	}

	w.Header().Set("Content-Type", "application/dns-json")
	_ = json.NewEncoder(w).Encode(resp)
}

func parseBoolParam(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// rrDataString extracts the RDATA portion of a resource record's
// presentation format, which is everything after the fixed header fields.
func rrDataString(rr dns.RR) string {
	full := rr.String()
	fields := strings.SplitN(full, "\t", 5)
	if len(fields) < 5 {
		return ""
	}
	return fields[4]
}
