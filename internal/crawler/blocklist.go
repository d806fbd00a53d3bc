package crawler

import (
	"net"
	"strings"
)

// HostBlocklist matches hosts against configured deny patterns. A nil
// *HostBlocklist blocks nothing.
type HostBlocklist struct {
	hosts   map[string]bool
	domains map[string]bool
}

// NewHostBlocklist accepts exact hosts ("ads.example") and domain patterns
// ("*.ru", ".internal"). A domain pattern also matches the bare domain. Returns
// nil when patterns holds nothing usable.
func NewHostBlocklist(patterns []string) *HostBlocklist {
	b := &HostBlocklist{hosts: map[string]bool{}, domains: map[string]bool{}}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		domain, isDomain := strings.CutPrefix(p, "*.")
		if !isDomain {
			domain, isDomain = strings.CutPrefix(p, ".")
		}
		domain, p = canonicalHost(domain), canonicalHost(p)
		switch {
		case isDomain && domain != "":
			b.domains[domain] = true
		case !isDomain && p != "":
			b.hosts[p] = true
		}
	}
	if len(b.hosts)+len(b.domains) == 0 {
		return nil
	}
	return b
}

// IsBlocked reports whether host, with or without a port, is denied.
func (b *HostBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = canonicalHost(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return false
	}
	if b.hosts[host] {
		return true
	}
	// Walk parent domains: a.b.example -> b.example -> example.
	for name := host; name != ""; {
		if b.domains[name] {
			return true
		}
		_, parent, ok := strings.Cut(name, ".")
		if !ok {
			break
		}
		name = parent
	}
	return false
}

func canonicalHost(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}
