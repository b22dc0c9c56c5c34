// Package safety scans provider payloads for credentials that should never
// leave a provider boundary.
package safety

import (
	"regexp"
	"sort"
)

// Finding is one suspected credential in a payload.
type Finding struct {
	Kind   string `json:"kind"`
	Sample string `json:"sample"` // truncated, never the full value
}

// LeakDetector reports credential-shaped strings. It never rewrites its
// input; shared.Redact does that for error text.
type LeakDetector struct {
	perPattern int
}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{perPattern: 3}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)"?\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "api_key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer_token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google_api_key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "secret_key"},
	{regexp.MustCompile(`(?:AKIA|ASIA)[A-Z0-9]{16}`), "aws_access_key"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`), "github_token"},
	{regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), "slack_token"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private_key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)"?\s*[:=]\s*"?[^\s",}]{8,}"?`), "password"},
}

// Scan returns the findings in payload, or nil when it looks clean.
func (d *LeakDetector) Scan(payload string) []Finding {
	if payload == "" {
		return nil
	}
	limit := d.perPattern
	if limit <= 0 {
		limit = -1
	}
	var out []Finding
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(payload, limit) {
			out = append(out, Finding{Kind: pat.kind, Sample: sample(match)})
		}
	}
	return out
}

// Kinds lists the distinct finding kinds, sorted.
func Kinds(findings []Finding) []string {
	seen := map[string]struct{}{}
	var kinds []string
	for _, f := range findings {
		if _, ok := seen[f.Kind]; ok {
			continue
		}
		seen[f.Kind] = struct{}{}
		kinds = append(kinds, f.Kind)
	}
	sort.Strings(kinds)
	return kinds
}

func sample(match string) string {
	if len(match) > 12 {
		return match[:8] + "..."
	}
	return "..."
}
