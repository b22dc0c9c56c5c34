package config

import (
	"fmt"
	"os"
)

const starterConfig = `# clawgov configuration
log_level: info
main_group: main

governance:
  max_in_flight: 5
  require_signatures: false
  grant_expiry_hours:
    2: 168
    3: 168
  dispatch_schedule: "@every 30s"
  sweep_schedule: "@every 5m"

ipc:
  poll_interval_ms: 2000
  requests_per_minute: 120
  burst: 20

telemetry:
  enabled: false
  exporter: stdout

mock_provider: true
retention_audit_log_days: 365
`

const starterPolicy = `# Outbound domains the webhook provider may call. Empty means deny all.
allow_domains: []
allow_loopback: false
disabled_providers: []
`

// WriteStarter writes config.yaml and policy.yaml into homeDir for first-run
// setup. Existing files are left untouched. It returns the paths it wrote.
func WriteStarter(homeDir string) ([]string, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create clawgov home: %w", err)
	}
	var written []string
	for path, body := range map[string]string{
		ConfigPath(homeDir): starterConfig,
		PolicyPath(homeDir): starterPolicy,
	} {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
