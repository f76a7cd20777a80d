package dohgw

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
http_server:
  listen_addr: "127.0.0.1:8443"
  timeout: 5
  rate_limit:
    enabled: true
    per_ip_rate: 50
    per_ip_concurrent: 10

dns_resolver:
  upstream:
    resolvers:
      - address: "1.1.1.1:53"
        protocol: udp
  cache:
    enabled: true
    size: 100
    ttl:
      negative: 30
  routing:
    default_upstream_group: default
    upstream_groups:
      - name: default
        resolvers:
          - address: "1.1.1.1:53"
            protocol: udp
      - name: blocked-resolver
        resolvers:
          - address: "9.9.9.9:53"
            protocol: udp
    rules:
      - match:
          type: wildcard
          values: ["*.ads.example."]
        upstream_group: blocked-resolver
  ecs_policy:
    enabled: true
    strategy: forward
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeTestConfig(t, testConfigYAML)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8443", cfg.HTTPServer.ListenAddr)
	require.Equal(t, "default", cfg.DNSResolver.Routing.DefaultUpstreamGroup)
	require.Len(t, cfg.DNSResolver.Routing.UpstreamGroups, 2)
}

func TestLoadConfigFileRejectsUnknownGroupReference(t *testing.T) {
	path := writeTestConfig(t, `
http_server:
  listen_addr: "127.0.0.1:8443"
dns_resolver:
  routing:
    default_upstream_group: default
    upstream_groups:
      - name: default
        resolvers:
          - address: "1.1.1.1:53"
            protocol: udp
    rules:
      - match: {type: exact, values: ["example.com."]}
        upstream_group: does-not-exist
`)
	_, err := LoadConfigFile(path)
	require.Error(t, err)
}

func TestLoadConfigFileRejectsMissingDefaultGroup(t *testing.T) {
	path := writeTestConfig(t, `
http_server:
  listen_addr: "127.0.0.1:8443"
dns_resolver:
  routing:
    default_upstream_group: default
`)
	_, err := LoadConfigFile(path)
	require.Error(t, err)
}

func TestConfigBuild(t *testing.T) {
	path := writeTestConfig(t, testConfigYAML)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	metrics := NewMetrics()
	handler, closer, err := cfg.Build(metrics)
	require.NoError(t, err)
	require.NotNil(t, handler)
	require.NoError(t, closer())
}

func TestConfigBuildWithGroupTLS(t *testing.T) {
	path := writeTestConfig(t, `
http_server:
  listen_addr: "127.0.0.1:8443"
dns_resolver:
  routing:
    default_upstream_group: default
    upstream_groups:
      - name: default
        resolvers:
          - address: "1.1.1.1:853"
            protocol: dot
        tls:
          server_name: "cloudflare-dns.com"
`)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	metrics := NewMetrics()
	handler, closer, err := cfg.Build(metrics)
	require.NoError(t, err)
	require.NotNil(t, handler)
	require.NoError(t, closer())
}
