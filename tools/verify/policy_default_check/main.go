// policy_default_check verifies the egress policy fails closed: nothing is
// reachable without an allowlist, provider_domains only narrows, and a bad
// edit on disk never replaces the policy already in force.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/clawgov/internal/policy"
	"github.com/basket/clawgov/internal/provider"
)

type check struct {
	name string
	got  bool
	want bool
}

func main() {
	dir, err := os.MkdirTemp("", "clawgov-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "policy.yaml")

	defaults, err := policy.Load(path)
	if err != nil {
		fmt.Printf("load_default_error=%v\n", err)
		os.Exit(1)
	}
	checks := []check{
		{"default_denies_public_host", defaults.AllowHTTPURL("https://example.com"), false},
		{"default_denies_loopback", defaults.AllowHTTPURL("http://127.0.0.1:8080/hook"), false},
		{"default_denies_metadata_ip", defaults.AllowHTTPURL("http://169.254.169.254/latest"), false},
		{"default_keeps_mock_enabled", defaults.AllowProvider("mock"), true},
	}

	valid := `allow_domains:
  - hooks.example.com
  - status.example.org
disabled_providers:
  - legacy
provider_domains:
  webhook:
    - hooks.example.com
`
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	loaded, err := policy.Load(path)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(loaded, path)
	version := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("allow_domains:\n  - https://not-a-host.example.com/path\n"), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, path)

	checks = append(checks,
		check{"invalid_reload_rejected", reloadErr != nil, true},
		check{"version_unchanged_after_rejection", live.PolicyVersion() == version, true},
		check{"webhook_reaches_narrowed_domain", live.AllowProviderURL(provider.WebhookName, "https://hooks.example.com/deploy"), true},
		check{"webhook_blocked_outside_narrowing", live.AllowProviderURL(provider.WebhookName, "https://status.example.org/"), false},
		check{"unlisted_domain_denied", live.AllowHTTPURL("https://evil.example.net/"), false},
		check{"disabled_provider_refused", live.AllowProvider("legacy"), false},
	)

	failed := 0
	for _, c := range checks {
		fmt.Printf("%s=%v\n", c.name, c.got)
		if c.got != c.want {
			failed++
		}
	}
	if failed > 0 {
		fmt.Printf("VERDICT FAIL (%d checks)\n", failed)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
