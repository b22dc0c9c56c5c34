package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GovernanceConfig tunes the access broker and the dispatcher.
type GovernanceConfig struct {
	// MaxInFlight caps processing ext_calls per caller. Default 5.
	MaxInFlight       int  `yaml:"max_in_flight"`
	RequireSignatures bool `yaml:"require_signatures"`
	// GrantExpiryHours maps access level to grant lifetime in hours. Levels
	// 2 and 3 default to 168 (7 days).
	GrantExpiryHours map[int]int `yaml:"grant_expiry_hours"`
	// DispatchSchedule and SweepSchedule are cron expressions or @every
	// descriptors.
	DispatchSchedule string `yaml:"dispatch_schedule"`
	SweepSchedule    string `yaml:"sweep_schedule"`
	// CallerSecrets maps caller group to its HMAC signing secret.
	CallerSecrets map[string]string `yaml:"caller_secrets"`
}

// IPCConfig configures the file-drop transport.
type IPCConfig struct {
	Dir               string `yaml:"dir"`
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout or none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ProviderConfig holds per-provider secrets and switches.
type ProviderConfig struct {
	Secrets        map[string]string `yaml:"secrets"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	MainGroup string `yaml:"main_group"`
	// DBPath defaults to <home>/clawgov.db.
	DBPath string `yaml:"db_path"`

	Governance GovernanceConfig `yaml:"governance"`
	IPC        IPCConfig        `yaml:"ipc"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// ProductsFile is a TOML catalog imported on startup. Relative paths
	// resolve against HomeDir.
	ProductsFile string `yaml:"products_file"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	// MockProvider registers the in-memory dry-run provider.
	MockProvider bool `yaml:"mock_provider"`

	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// ResolvedDBPath returns the database path, defaulting under HomeDir.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.resolve(c.DBPath)
	}
	return filepath.Join(c.HomeDir, "clawgov.db")
}

// ResolvedIPCDir returns the file-drop root, defaulting under HomeDir.
func (c Config) ResolvedIPCDir() string {
	if c.IPC.Dir != "" {
		return c.resolve(c.IPC.Dir)
	}
	return filepath.Join(c.HomeDir, "ipc")
}

// ResolvedProductsFile returns the catalog path or "" when unset.
func (c Config) ResolvedProductsFile() string {
	if c.ProductsFile == "" {
		return ""
	}
	return c.resolve(c.ProductsFile)
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// PollInterval returns the IPC poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.IPC.PollIntervalMS) * time.Millisecond
}

// GrantExpiry converts GrantExpiryHours into durations.
func (c Config) GrantExpiry() map[int]time.Duration {
	out := make(map[int]time.Duration, len(c.Governance.GrantExpiryHours))
	for lvl, h := range c.Governance.GrantExpiryHours {
		if h > 0 {
			out[lvl] = time.Duration(h) * time.Hour
		}
	}
	return out
}

// ProviderSecrets returns provider's secrets with env overrides applied.
// Env mapping: provider "webhook", secret "token" → CLAWGOV_WEBHOOK_TOKEN.
func (c Config) ProviderSecrets(provider string) map[string]string {
	out := map[string]string{}
	if p, ok := c.Providers[provider]; ok {
		for k, v := range p.Secrets {
			out[k] = v
		}
	}
	prefix := "CLAWGOV_" + envName(provider) + "_"
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
	}
	return out
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
// Secrets contribute only their presence.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	groups := make([]string, 0, len(c.Governance.CallerSecrets))
	for g := range c.Governance.CallerSecrets {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	fmt.Fprintf(h, "log=%s|main=%s|inflight=%d|sig=%t|signers=%v|dispatch=%s|ipc=%s",
		c.LogLevel, c.MainGroup, c.Governance.MaxInFlight, c.Governance.RequireSignatures,
		groups, c.Governance.DispatchSchedule, c.ResolvedIPCDir())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		MainGroup: "main",
		Governance: GovernanceConfig{
			MaxInFlight:      5,
			GrantExpiryHours: map[int]int{2: 168, 3: 168},
			DispatchSchedule: "@every 30s",
			SweepSchedule:    "@every 5m",
		},
		IPC: IPCConfig{
			PollIntervalMS:    2000,
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "clawgov",
			SampleRate:  1,
		},
		RetentionAuditLogDays: 365,
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWGOV_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawgov")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies env
// overrides and normalization.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawgov home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.MainGroup = strings.TrimSpace(cfg.MainGroup)
	if cfg.MainGroup == "" {
		cfg.MainGroup = "main"
	}
	if cfg.Governance.MaxInFlight <= 0 {
		cfg.Governance.MaxInFlight = 5
	}
	if strings.TrimSpace(cfg.Governance.DispatchSchedule) == "" {
		cfg.Governance.DispatchSchedule = "@every 30s"
	}
	if strings.TrimSpace(cfg.Governance.SweepSchedule) == "" {
		cfg.Governance.SweepSchedule = "@every 5m"
	}
	if cfg.IPC.PollIntervalMS <= 0 {
		cfg.IPC.PollIntervalMS = 2000
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "clawgov"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", cfg.LogLevel)
	}
	for lvl := range cfg.Governance.GrantExpiryHours {
		if lvl < 0 || lvl > 3 {
			return fmt.Errorf("grant_expiry_hours: level %d out of range 0-3", lvl)
		}
	}
	if h, ok := cfg.Governance.GrantExpiryHours[2]; ok && h <= 0 {
		return fmt.Errorf("grant_expiry_hours: level 2 grants must expire")
	}
	if h, ok := cfg.Governance.GrantExpiryHours[3]; ok && h <= 0 {
		return fmt.Errorf("grant_expiry_hours: level 3 grants must expire")
	}
	switch cfg.Telemetry.Exporter {
	case "", "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q must be otlp-http, stdout or none", cfg.Telemetry.Exporter)
	}
	return nil
}

// applyEnvOverrides layers CLAWGOV_* variables over the file. Caller secrets
// come from CLAWGOV_SECRET_<GROUP>, where GROUP is upper-cased with dashes
// as underscores.
func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWGOV_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWGOV_MAIN_GROUP"); raw != "" {
		cfg.MainGroup = raw
	}
	if raw := os.Getenv("CLAWGOV_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWGOV_MAX_IN_FLIGHT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Governance.MaxInFlight = v
		}
	}
	if raw := os.Getenv("CLAWGOV_REQUIRE_SIGNATURES"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Governance.RequireSignatures = v
		}
	}
	if raw := os.Getenv("CLAWGOV_IPC_DIR"); raw != "" {
		cfg.IPC.Dir = raw
	}
	if raw := os.Getenv("CLAWGOV_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
	const secretPrefix = "CLAWGOV_SECRET_"
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, secretPrefix) || v == "" {
			continue
		}
		group := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(k, secretPrefix), "_", "-"))
		if cfg.Governance.CallerSecrets == nil {
			cfg.Governance.CallerSecrets = map[string]string{}
		}
		cfg.Governance.CallerSecrets[group] = v
	}
}

// loadRawConfig reads config.yaml as a generic map so edits keep unknown keys.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetCallerSecret stores group's signing secret in config.yaml, preserving
// other settings. An empty secret removes the entry.
func SetCallerSecret(homeDir, group, secret string) error {
	if strings.TrimSpace(group) == "" {
		return fmt.Errorf("group is required")
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	gov, _ := raw["governance"].(map[string]interface{})
	if gov == nil {
		gov = make(map[string]interface{})
	}
	secrets, _ := gov["caller_secrets"].(map[string]interface{})
	if secrets == nil {
		secrets = make(map[string]interface{})
	}
	if secret == "" {
		delete(secrets, group)
	} else {
		secrets[group] = secret
	}
	gov["caller_secrets"] = secrets
	raw["governance"] = gov
	return saveRawConfig(configPath, raw)
}
