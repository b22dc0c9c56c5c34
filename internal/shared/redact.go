package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule replaces the secret part of a match. Groups numbered by keep
// and tail survive verbatim around the placeholder; zero means none.
type redactRule struct {
	re   *regexp.Regexp
	keep int
	tail int
}

var redactRules = []redactRule{
	{re: regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token)"?\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})`), keep: 1},
	{re: regexp.MustCompile(`(?i)((?:password|passwd)"?\s*[:=]\s*"?)([^\s",}]{8,})`), keep: 1},
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keep: 1},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{re: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{re: regexp.MustCompile(`(?:AKIA|ASIA)[A-Z0-9]{16}`)},
	{re: regexp.MustCompile(`(?i)((?:token|secret)"?\s*[:=]\s*"?)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`), keep: 1},
	// HMAC request signatures echoed back in provider errors.
	{re: regexp.MustCompile(`(?i)("?sig"?\s*[:=]\s*"?)([0-9a-f]{64})`), keep: 1},
	// Basic-auth credentials embedded in URLs.
	{re: regexp.MustCompile(`(https?://[^:/\s]+:)([^@\s]+)(@)`), keep: 1, tail: 3},
}

// Redact replaces secret-bearing substrings with [REDACTED]. Provider error
// text, audit subjects and log values pass through here before they are
// written anywhere.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		out = rule.apply(out)
	}
	return out
}

func (r redactRule) apply(s string) string {
	matches := r.re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		if r.keep > 0 {
			b.WriteString(s[m[2*r.keep]:m[2*r.keep+1]])
		}
		b.WriteString(redactedPlaceholder)
		if r.tail > 0 {
			b.WriteString(s[m[2*r.tail]:m[2*r.tail+1]])
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// sensitiveKeyParts mark an environment or config key as secret-bearing.
var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential", "hmac", "authorization"}

// RedactEnvValue returns the placeholder when key looks secret, else value.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

// IsSensitiveKey reports whether a key name suggests its value is a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
