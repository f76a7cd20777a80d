package dohgw

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/heimdalr/dag"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration, per spec.md §6: the two
// top-level keys "http_server" and "dns_resolver". Loaded with yaml.v3,
// validated, then built into a running Handler by Build.
type Config struct {
	HTTPServer  HTTPServerConfig  `yaml:"http_server"`
	DNSResolver DNSResolverConfig `yaml:"dns_resolver"`

	// LogLevel is overridden by the DOHGW_LOG_LEVEL environment variable
	// after YAML decode, per spec.md §6 ("a log-filter environment variable
	// may override log verbosity").
	LogLevel string `yaml:"log_level" env:"DOHGW_LOG_LEVEL"`
}

type HTTPServerConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	Timeout    int               `yaml:"timeout"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled"`
	PerIPRate       int  `yaml:"per_ip_rate"`
	PerIPConcurrent int  `yaml:"per_ip_concurrent"`
}

type DNSResolverConfig struct {
	Upstream   UpstreamDefaultsConfig `yaml:"upstream"`
	HTTPClient HTTPClientConfig       `yaml:"http_client"`
	Cache      CacheConfig            `yaml:"cache"`
	Routing    RoutingConfig          `yaml:"routing"`
	ECSPolicy  ECSPolicyConfig        `yaml:"ecs_policy"`
}

type UpstreamDefaultsConfig struct {
	Resolvers    []ResolverConfig `yaml:"resolvers"`
	EnableDNSSEC bool             `yaml:"enable_dnssec"`
	QueryTimeout int              `yaml:"query_timeout"`
}

type ResolverConfig struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"`
}

// TLSDialConfig configures the TLS connection a group's "dot" or "doh"
// resolvers dial with, built into a *tls.Config by TLSClientConfig. A zero
// value uses the platform's default trust store and no client certificate.
type TLSDialConfig struct {
	ServerName string `yaml:"server_name"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

func (t TLSDialConfig) empty() bool {
	return t.ServerName == "" && t.CAFile == "" && t.CertFile == "" && t.KeyFile == ""
}

type HTTPClientConfig struct {
	Timeout int            `yaml:"timeout"`
	Pool    HTTPPoolConfig `yaml:"pool"`
	Request HTTPReqConfig  `yaml:"request"`
}

type HTTPPoolConfig struct {
	IdleTimeout        int `yaml:"idle_timeout"`
	MaxIdleConnections int `yaml:"max_idle_connections"`
}

type HTTPReqConfig struct {
	UserAgent     string   `yaml:"user_agent"`
	IPHeaderNames []string `yaml:"ip_header_names"`
}

type CacheConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Size        int               `yaml:"size"`
	TTL         CacheTTLConfig    `yaml:"ttl"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type CacheTTLConfig struct {
	Min      uint32 `yaml:"min"`
	Max      uint32 `yaml:"max"`
	Negative uint32 `yaml:"negative"`
}

type PersistenceConfig struct {
	Enabled                bool           `yaml:"enabled"`
	Path                   string         `yaml:"path"`
	LoadOnStartup          bool           `yaml:"load_on_startup"`
	MaxItemsToSave         int            `yaml:"max_items_to_save"`
	SkipExpiredOnLoad      bool           `yaml:"skip_expired_on_load"`
	ShutdownSaveTimeoutSec int            `yaml:"shutdown_save_timeout_secs"`
	Periodic               PeriodicConfig `yaml:"periodic"`
}

type PeriodicConfig struct {
	Enabled      bool `yaml:"enabled"`
	IntervalSecs int  `yaml:"interval_secs"`
}

type RoutingConfig struct {
	Enabled              bool                  `yaml:"enabled"`
	UpstreamGroups       []UpstreamGroupYAML   `yaml:"upstream_groups"`
	Rules                []RuleYAML            `yaml:"rules"`
	DefaultUpstreamGroup string                `yaml:"default_upstream_group"`
}

type UpstreamGroupYAML struct {
	Name         string           `yaml:"name"`
	Resolvers    []ResolverConfig `yaml:"resolvers"`
	EnableDNSSEC bool             `yaml:"enable_dnssec"`
	QueryTimeout int              `yaml:"query_timeout"`
	ECSPolicy    *ECSPolicyConfig `yaml:"ecs_policy"`
	TLS          TLSDialConfig    `yaml:"tls"`
}

type RuleYAML struct {
	Match         RuleMatchYAML `yaml:"match"`
	UpstreamGroup string        `yaml:"upstream_group"`
}

type RuleMatchYAML struct {
	Type     string   `yaml:"type"` // "exact", "wildcard", "regex"
	Values   []string `yaml:"values"`
	Path     string   `yaml:"path"`
	URL      string   `yaml:"url"`
	Periodic int      `yaml:"periodic"` // seconds between URL refetches, 0 disables
}

type ECSPolicyConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	Strategy      string               `yaml:"strategy"` // "strip", "forward", "anonymize"
	Anonymization AnonymizationYAML    `yaml:"anonymization"`
}

type AnonymizationYAML struct {
	IPv4PrefixLength uint8 `yaml:"ipv4_prefix_length"`
	IPv6PrefixLength uint8 `yaml:"ipv6_prefix_length"`
}

// LoadConfigFile reads and decodes path, applies environment overrides, and
// validates the result.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "applying environment overrides")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Validate checks the config is internally consistent: every rule's
// upstream_group must name a configured group or the Blackhole sentinel,
// and there must be no
// duplicate group names. Ordering is checked with a DAG so that a rule
// referencing a non-existent or duplicate group fails fast before any
// component is built, following the teacher's cmd/routedns/main.go pattern
// of validating the resolver/group/router graph before instantiation.
func (c *Config) Validate() error {
	if c.HTTPServer.ListenAddr == "" {
		return errors.New("http_server.listen_addr is required")
	}
	if c.DNSResolver.Routing.DefaultUpstreamGroup == "" {
		return errors.New("dns_resolver.routing.default_upstream_group is required")
	}

	graph := dag.NewDAG()
	groupNames := make(map[string]struct{})
	for _, g := range c.DNSResolver.Routing.UpstreamGroups {
		if _, dup := groupNames[g.Name]; dup {
			return errors.Errorf("duplicate upstream group %q", g.Name)
		}
		groupNames[g.Name] = struct{}{}
		if _, err := graph.AddVertex(configNode{id: "group:" + g.Name}); err != nil {
			return errors.Wrapf(err, "adding upstream group %q", g.Name)
		}
	}
	for i, rule := range c.DNSResolver.Routing.Rules {
		ruleID := fmt.Sprintf("rule:%d", i)
		if _, err := graph.AddVertex(configNode{id: ruleID}); err != nil {
			return errors.Wrapf(err, "adding rule %d", i)
		}
		if rule.UpstreamGroup == Blackhole {
			continue
		}
		if _, ok := groupNames[rule.UpstreamGroup]; !ok {
			return errors.Errorf("rule %d references unknown upstream group %q", i, rule.UpstreamGroup)
		}
		if err := graph.AddEdge(ruleID, "group:"+rule.UpstreamGroup); err != nil {
			return errors.Wrapf(err, "rule %d -> group %q", i, rule.UpstreamGroup)
		}
	}
	if _, ok := groupNames[c.DNSResolver.Routing.DefaultUpstreamGroup]; !ok {
		return errors.Errorf("default_upstream_group %q is not a configured upstream group", c.DNSResolver.Routing.DefaultUpstreamGroup)
	}
	return nil
}

// configNode is the dag.IDInterface implementation used to topologically
// validate rule -> upstream-group references, mirroring cmd/routedns/main.go's
// Node/graph.AddEdge dependency check.
type configNode struct{ id string }

func (n configNode) ID() string { return n.id }

// Build instantiates every component leaves-first (upstream groups, then the
// router, then the gateway resolver, cache, rate limiter and handler) per
// SPEC_FULL.md §2.3's component construction order.
func (c *Config) Build(metrics *Metrics) (*Handler, func() error, error) {
	groups := make([]UpstreamGroupConfig, 0, len(c.DNSResolver.Routing.UpstreamGroups))
	for _, g := range c.DNSResolver.Routing.UpstreamGroups {
		resolvers := make([]UpstreamResolverConfig, 0, len(g.Resolvers))
		for _, r := range g.Resolvers {
			resolvers = append(resolvers, UpstreamResolverConfig{Address: r.Address, Protocol: r.Protocol})
		}
		ecsCfg := c.DNSResolver.ECSPolicy
		if g.ECSPolicy != nil {
			ecsCfg = *g.ECSPolicy
		}
		timeout := time.Duration(g.QueryTimeout) * time.Second

		var tlsConfig *tls.Config
		if !g.TLS.empty() {
			var err error
			tlsConfig, err = TLSClientConfig(g.TLS.CAFile, g.TLS.CertFile, g.TLS.KeyFile, g.TLS.ServerName)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "building TLS config for upstream group %q", g.Name)
			}
		}

		groups = append(groups, UpstreamGroupConfig{
			Name:         g.Name,
			Resolvers:    resolvers,
			EnableDNSSEC: g.EnableDNSSEC,
			QueryTimeout: timeout,
			ECSPolicy:    ecsPolicyFromConfig(ecsCfg, metrics),
			DoTTLSConfig: tlsConfig,
			DoHOptions: DoHClientOptions{
				QueryTimeout: timeout,
				TLSConfig:    tlsConfig,
			},
		})
	}

	upstream, err := NewUpstreamManager(groups, c.DNSResolver.Routing.DefaultUpstreamGroup, metrics)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building upstream manager")
	}

	ruleGroups := make([]RuleGroup, 0, len(c.DNSResolver.Routing.Rules))
	for _, rule := range c.DNSResolver.Routing.Rules {
		rg := RuleGroup{
			Type:   rule.Match.Type,
			Target: rule.UpstreamGroup,
			Core:   rule.Match.Values,
			File:   rule.Match.Path,
			URL:    rule.Match.URL,
		}
		if rule.Match.Periodic > 0 {
			rg.Refresh = time.Duration(rule.Match.Periodic) * time.Second
		}
		ruleGroups = append(ruleGroups, rg)
	}

	router, err := NewRouter("router", c.DNSResolver.Routing.DefaultUpstreamGroup, ruleGroups, metrics)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building router")
	}

	notice := newBlackholeNotice(uint16(dns.ExtendedErrorCodeBlocked), "blocked by routing policy")
	gateway := newGatewayResolver(router, upstream, notice)

	var resolver Resolver = gateway
	var cacheCloser func() error
	if c.DNSResolver.Cache.Enabled {
		backendOpt := MemoryBackendOptions{Capacity: c.DNSResolver.Cache.Size}
		if c.DNSResolver.Cache.Persistence.Enabled {
			backendOpt.Filename = c.DNSResolver.Cache.Persistence.Path
			backendOpt.MaxSnapshotItems = c.DNSResolver.Cache.Persistence.MaxItemsToSave
			backendOpt.SkipExpiredOnLoad = c.DNSResolver.Cache.Persistence.SkipExpiredOnLoad
			if c.DNSResolver.Cache.Persistence.Periodic.Enabled {
				backendOpt.SaveInterval = time.Duration(c.DNSResolver.Cache.Persistence.Periodic.IntervalSecs) * time.Second
			}
		}
		backend := NewMemoryBackend(backendOpt, metrics)
		cacheCloser = backend.Close

		cache := NewCache("cache", gateway, CacheOptions{
			NegativeTTL:      c.DNSResolver.Cache.TTL.Negative,
			CacheRcodeMaxTTL: map[int]uint32{dns.RcodeServerFailure: 300},
			Backend:          backend,
		}, metrics)
		resolver = cache
	}

	var rateLimiter *RateLimiter
	if c.HTTPServer.RateLimit.Enabled {
		rateLimiter = NewRateLimiter(RateLimiterOptions{
			PerIPRate:       c.HTTPServer.RateLimit.PerIPRate,
			PerIPConcurrent: c.HTTPServer.RateLimit.PerIPConcurrent,
		}, metrics)
	}

	handlerOpt := HandlerOptions{}
	if len(c.DNSResolver.HTTPClient.Request.IPHeaderNames) > 0 {
		handlerOpt.ClientIPHeaders = c.DNSResolver.HTTPClient.Request.IPHeaderNames
	}

	handler := NewHandler(c.HTTPServer.ListenAddr, resolver, rateLimiter, metrics, handlerOpt, func() bool { return true })

	closer := func() error {
		if rateLimiter != nil {
			rateLimiter.Close()
		}
		router.Close()
		if cacheCloser != nil {
			return cacheCloser()
		}
		return nil
	}
	return handler, closer, nil
}

func ecsPolicyFromConfig(cfg ECSPolicyConfig, metrics *Metrics) ECSPolicy {
	if !cfg.Enabled {
		return ECSPolicy{Strategy: ECSStrip, Metrics: metrics}
	}
	return ECSPolicy{
		Strategy: ECSStrategy(cfg.Strategy),
		Prefix4:  cfg.Anonymization.IPv4PrefixLength,
		Prefix6:  cfg.Anonymization.IPv6PrefixLength,
		Metrics:  metrics,
	}
}
