package service

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SourcePolicy restricts which hosts a job may download from. An empty policy allows any host.
// Entries match on registrable domain, so "youtube.com" admits www.youtube.com and m.youtube.com.
type SourcePolicy struct {
	domains map[string]struct{}
}

// NewSourcePolicy normalizes domains to their registrable form. Blank entries are ignored.
func NewSourcePolicy(domains []string) (*SourcePolicy, error) {
	p := &SourcePolicy{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		reg, err := registrable(d)
		if err != nil {
			return nil, fmt.Errorf("source domain %q: %w", d, err)
		}
		p.domains[reg] = struct{}{}
	}
	return p, nil
}

// Allows reports whether rawURL's host falls under an allowed domain.
func (p *SourcePolicy) Allows(rawURL string) bool {
	if p == nil || len(p.domains) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" || net.ParseIP(host) != nil {
		return false
	}
	reg, err := registrable(host)
	if err != nil {
		return false
	}
	_, ok := p.domains[reg]
	return ok
}

func registrable(host string) (string, error) {
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", err
	}
	return reg, nil
}
