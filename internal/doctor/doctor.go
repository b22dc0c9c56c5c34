package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/clawgov/internal/config"
	"github.com/basket/clawgov/internal/dispatch"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPolicy,
		checkSchedules,
		checkSigning,
		checkDatabase,
		checkActivityChain,
		checkPermissions,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (run clawgov init)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	p, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
	}
	if len(p.AllowDomains) == 0 {
		return CheckResult{Name: "Policy", Status: "WARN", Message: "No egress domains allowed; webhook calls will fail", Detail: p.PolicyVersion()}
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: fmt.Sprintf("%d egress domains allowed", len(p.AllowDomains)), Detail: p.PolicyVersion()}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	for name, expr := range map[string]string{
		"dispatch_schedule": cfg.Governance.DispatchSchedule,
		"sweep_schedule":    cfg.Governance.SweepSchedule,
	} {
		if err := dispatch.ValidateSchedule(expr); err != nil {
			return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("%s: %v", name, err)}
		}
	}
	next, err := dispatch.NextRun(cfg.Governance.DispatchSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Schedules", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Schedules", Status: "PASS", Message: "Schedules parse", Detail: "next dispatch " + next.UTC().Format(time.RFC3339)}
}

func checkSigning(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Signing", Status: "SKIP", Message: "Config missing"}
	}
	n := len(cfg.Governance.CallerSecrets)
	if cfg.Governance.RequireSignatures && n == 0 {
		return CheckResult{Name: "Signing", Status: "FAIL", Message: "require_signatures is on but no caller secrets are configured"}
	}
	if !cfg.Governance.RequireSignatures {
		return CheckResult{Name: "Signing", Status: "WARN", Message: fmt.Sprintf("Signatures optional (%d callers have secrets)", n)}
	}
	return CheckResult{Name: "Signing", Status: "PASS", Message: fmt.Sprintf("Signatures required (%d callers have secrets)", n)}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(cfg.ResolvedDBPath(), nil)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema v%d", version), Detail: checksum}
}

func checkActivityChain(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Activity Chain", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Activity Chain", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	report, err := store.VerifyActivityChain(ctx)
	if err != nil {
		return CheckResult{Name: "Activity Chain", Status: "FAIL", Message: err.Error()}
	}
	if !report.OK {
		return CheckResult{Name: "Activity Chain", Status: "FAIL", Message: fmt.Sprintf("Chain broken at activity %d", report.BrokenAt)}
	}
	return CheckResult{Name: "Activity Chain", Status: "PASS", Message: fmt.Sprintf("%d rows verified", report.Rows)}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.ResolvedIPCDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and IPC directories writable"}
}
