/*
Package dohgw implements a DNS-over-HTTPS gateway: a single HTTP(S) front end that
accepts DoH queries, applies EDNS Client Subnet policy, consults a shared cache,
routes the query to an upstream group by domain rule, resolves it over the
upstream's configured transport, and answers back over DoH.

The pipeline for every query is fixed:

	rate limiter -> cache lookup -> routing decision -> ECS policy -> upstream resolve -> cache insert

Routing

The Router holds an ordered set of rule groups (exact, wildcard, regex, each
optionally loaded from a file or a periodically refreshed URL) and resolves a
query name to either a named upstream Group, the Global default, or the
reserved blackhole sentinel.

Upstreams

Groups wrap one or more upstream clients (plain UDP/TCP, DNS-over-TLS, or
DNS-over-HTTPS) behind a load-balancing or fail-rotate strategy.

Cache

The Cache stores answers keyed by question plus ECS network, honoring
per-record and per-RCODE TTL rules, and can persist its contents to a binary
snapshot file across restarts.
*/
package dohgw
