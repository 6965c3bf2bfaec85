package server

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type ipSource string

const (
	ipSourceRemoteAddr    ipSource = "remote_addr"
	ipSourceXForwardedFor ipSource = "x_forwarded_for"
	ipSourceXRealIP       ipSource = "x_real_ip"
)

// clientIPResolver decides which address a request is attributed to.
// Forwarding headers are only honoured when every peer is trusted or the
// direct peer sits inside a trusted proxy range.
type clientIPResolver struct {
	trustAll bool
	proxies  []netip.Prefix
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
			}
			resolver.proxies = append(resolver.proxies, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		resolver.proxies = append(resolver.proxies, prefix.Masked())
	}
	return resolver, nil
}

func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, ipSource) {
	remote := remoteHost(r.RemoteAddr)
	if c == nil || !c.trusts(remote) {
		return remote, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip, ipSourceXForwardedFor
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip, ipSourceXRealIP
	}
	return remote, ipSourceRemoteAddr
}

func (c *clientIPResolver) trusts(remote string) bool {
	if c.trustAll {
		return true
	}
	if len(c.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
