// Package policy holds the operator-level egress policy: which hosts outbound
// providers may reach and which providers are switched off entirely. It sits
// underneath capabilities; a granted capability never widens it.
package policy

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Checker is the interface used by providers and the broker.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowProviderURL(provider, raw string) bool
	AllowProvider(name string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
	DisabledProviders []string `yaml:"disabled_providers"`
	// ProviderDomains narrows egress for one provider to a subset of
	// AllowDomains. Providers without an entry get all of AllowDomains.
	ProviderDomains map[string][]string `yaml:"provider_domains,omitempty"`
}

// Default denies all egress and leaves every provider enabled.
func Default() Policy {
	return Policy{}
}

// Load reads path. A missing or empty file yields Default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p.normalized(), nil
}

func (p Policy) AllowHTTPURL(raw string) bool {
	host, ok := p.egressHost(raw)
	return ok && matchDomain(p.AllowDomains, host)
}

// AllowProviderURL is AllowHTTPURL further narrowed by provider_domains.
func (p Policy) AllowProviderURL(provider, raw string) bool {
	host, ok := p.egressHost(raw)
	if !ok || !matchDomain(p.AllowDomains, host) {
		return false
	}
	narrowed, scoped := p.ProviderDomains[normalize(provider)]
	return !scoped || matchDomain(narrowed, host)
}

// egressHost returns the lowercased host of raw when its scheme and host
// are acceptable at all, before any allowlist is consulted.
func (p Policy) egressHost(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || u.User != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return "", false
	}
	return host, true
}

func matchDomain(domains []string, host string) bool {
	for _, domain := range domains {
		domain = normalize(domain)
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // hostname, not an IP
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// AllowProvider reports whether a provider is enabled.
func (p Policy) AllowProvider(name string) bool {
	name = normalize(name)
	return name != "" && !contains(p.DisabledProviders, name)
}

// PolicyVersion is a content hash. Entry order and case do not matter.
func (p Policy) PolicyVersion() string {
	n := p.normalized()
	h := blake3.New()
	write := func(section string, vals []string) {
		_, _ = h.WriteString(section + "\n")
		for _, v := range vals {
			_, _ = h.WriteString(v + "\n")
		}
	}
	write("allow_domains", n.AllowDomains)
	write("disabled_providers", n.DisabledProviders)
	providers := make([]string, 0, len(n.ProviderDomains))
	for name := range n.ProviderDomains {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	for _, name := range providers {
		write("provider:"+name, n.ProviderDomains[name])
	}
	if n.AllowLoopback {
		_, _ = h.WriteString("allow_loopback\n")
	}
	return "policy-" + hex.EncodeToString(h.Sum(nil)[:8])
}

func (p Policy) validate() error {
	for _, d := range p.AllowDomains {
		if err := validateDomain(d); err != nil {
			return fmt.Errorf("allow_domains: %w", err)
		}
	}
	for _, name := range p.DisabledProviders {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("disabled_providers contains an empty name")
		}
	}
	for name, domains := range p.ProviderDomains {
		if normalize(name) == "" {
			return fmt.Errorf("provider_domains has an empty provider name")
		}
		for _, d := range domains {
			if err := validateDomain(d); err != nil {
				return fmt.Errorf("provider_domains[%s]: %w", name, err)
			}
			if !matchDomain(p.AllowDomains, normalize(d)) {
				return fmt.Errorf("provider_domains[%s]: %q is not covered by allow_domains", name, d)
			}
		}
	}
	return nil
}

func validateDomain(d string) error {
	d = strings.TrimSpace(d)
	if d == "" {
		return fmt.Errorf("empty domain")
	}
	if strings.Contains(d, "://") || strings.ContainsAny(d, "/ @") {
		return fmt.Errorf("entry %q must be a bare host", d)
	}
	return nil
}

// normalized lowercases, trims, dedupes and sorts every list.
func (p Policy) normalized() Policy {
	out := Policy{
		AllowDomains:      normalizeList(p.AllowDomains),
		AllowLoopback:     p.AllowLoopback,
		DisabledProviders: normalizeList(p.DisabledProviders),
	}
	if len(p.ProviderDomains) > 0 {
		out.ProviderDomains = make(map[string][]string, len(p.ProviderDomains))
		for name, domains := range p.ProviderDomains {
			key := normalize(name)
			out.ProviderDomains[key] = normalizeList(append(out.ProviderDomains[key], domains...))
		}
	}
	return out
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func normalizeList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func contains(slice []string, val string) bool {
	for _, s := range slice {
		if normalize(s) == val {
			return true
		}
	}
	return false
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // empty = no persistence
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial.normalized(), path: path}
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowProviderURL(provider, raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowProviderURL(provider, raw)
}

func (lp *LivePolicy) AllowProvider(name string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowProvider(name)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// AllowDomain adds a domain and persists the change.
func (lp *LivePolicy) AllowDomain(domain string) error {
	if err := validateDomain(domain); err != nil {
		return err
	}
	return lp.mutate(func(p *Policy) {
		p.AllowDomains = append(p.AllowDomains, domain)
	})
}

// DisableProvider switches a provider off and persists the change.
func (lp *LivePolicy) DisableProvider(name string) error {
	if normalize(name) == "" {
		return fmt.Errorf("empty provider name")
	}
	return lp.mutate(func(p *Policy) {
		p.DisabledProviders = append(p.DisabledProviders, name)
	})
}

// EnableProvider removes a provider from disabled_providers.
func (lp *LivePolicy) EnableProvider(name string) error {
	name = normalize(name)
	if name == "" {
		return fmt.Errorf("empty provider name")
	}
	return lp.mutate(func(p *Policy) {
		kept := p.DisabledProviders[:0]
		for _, d := range p.DisabledProviders {
			if normalize(d) != name {
				kept = append(kept, d)
			}
		}
		p.DisabledProviders = kept
	})
}

// mutate applies fn to a copy, persists it, and swaps it in only when the
// write succeeded.
func (lp *LivePolicy) mutate(fn func(*Policy)) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	next := lp.data.clone()
	fn(&next)
	next = next.normalized()
	if err := next.validate(); err != nil {
		return err
	}
	if err := persist(lp.path, next); err != nil {
		return err
	}
	lp.data = next
	return nil
}

func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p.normalized()
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.clone()
}

func (p Policy) clone() Policy {
	cp := p
	cp.AllowDomains = append([]string(nil), p.AllowDomains...)
	cp.DisabledProviders = append([]string(nil), p.DisabledProviders...)
	if p.ProviderDomains != nil {
		cp.ProviderDomains = make(map[string][]string, len(p.ProviderDomains))
		for k, v := range p.ProviderDomains {
			cp.ProviderDomains[k] = append([]string(nil), v...)
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the file parses and
// validates. On error the previous policy stays active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func persist(path string, p Policy) error {
	if path == "" {
		return nil
	}
	out, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*.yaml")
	if err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("write policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
