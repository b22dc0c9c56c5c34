package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CLAWGOV_HOME", home)
	var out bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"init"}, &out))
	return home
}

// clawgov runs one command and returns its exit code and stdout.
func clawgov(t *testing.T, args ...string) (int, []byte) {
	t.Helper()
	var out bytes.Buffer
	code := run(context.Background(), args, &out)
	return code, out.Bytes()
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m), string(raw))
	return m
}

func TestRun_UsageAndUnknown(t *testing.T) {
	code, out := clawgov(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, string(out), "clawgov <command>")

	code, _ = clawgov(t, "frobnicate")
	assert.Equal(t, 2, code)

	code, _ = clawgov(t)
	assert.Equal(t, 2, code)
}

func TestInit_Idempotent(t *testing.T) {
	home := setupHome(t)
	assert.FileExists(t, filepath.Join(home, "config.yaml"))
	assert.FileExists(t, filepath.Join(home, "policy.yaml"))

	code, out := clawgov(t, "init")
	assert.Equal(t, 0, code)
	assert.Contains(t, string(out), "already initialized")
}

func TestTaskLifecycle(t *testing.T) {
	setupHome(t)

	code, out := clawgov(t, "task", "create", "--id", "T-1", "--title", "Ship it", "--type", "feature",
		"--scope", "COMPANY", "--assign", "dev", "--gate", "security")
	require.Equal(t, 0, code, string(out))
	assert.Equal(t, "INBOX", decode(t, out)["result"].(map[string]any)["state"])

	code, out = clawgov(t, "task", "transition", "T-1", "ready", "--expected-version", "0")
	require.Equal(t, 0, code, string(out))

	// Stale version is a conflict that reports the current state.
	code, out = clawgov(t, "task", "transition", "T-1", "DOING", "--expected-version", "0")
	assert.Equal(t, 1, code)
	errBody := decode(t, out)["error"].(map[string]any)
	assert.Equal(t, "READY", errBody["current_state"])

	for _, to := range []string{"DOING", "REVIEW", "APPROVAL"} {
		code, out = clawgov(t, "task", "transition", "T-1", to, "--as", "dev")
		require.Equal(t, 0, code, string(out))
	}

	// DONE needs the gate approved first.
	code, _ = clawgov(t, "task", "transition", "T-1", "DONE", "--as", "dev")
	assert.Equal(t, 1, code)

	code, out = clawgov(t, "task", "approve", "T-1", "security", "--as", "secops", "--notes", "looks fine")
	require.Equal(t, 0, code, string(out))
	code, out = clawgov(t, "task", "transition", "T-1", "DONE", "--as", "dev")
	require.Equal(t, 0, code, string(out))

	code, out = clawgov(t, "task", "show", "T-1")
	require.Equal(t, 0, code)
	detail := decode(t, out)
	assert.Equal(t, "DONE", detail["task"].(map[string]any)["state"])
	assert.Len(t, detail["approvals"], 1)

	code, out = clawgov(t, "task", "history", "T-1")
	require.Equal(t, 0, code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(out, &history))
	assert.GreaterOrEqual(t, len(history), 7)

	code, out = clawgov(t, "task", "list", "--state", "done")
	require.Equal(t, 0, code)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal(out, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "T-1", tasks[0]["id"])

	code, out = clawgov(t, "audit", "verify")
	require.Equal(t, 0, code, string(out))
	assert.Equal(t, true, decode(t, out)["ok"])
}

func TestTaskOverride_MainOnly(t *testing.T) {
	setupHome(t)
	code, out := clawgov(t, "task", "create", "--id", "T-2", "--title", "Hotfix", "--type", "incident",
		"--scope", "COMPANY", "--assign", "dev")
	require.Equal(t, 0, code, string(out))
	for _, to := range []string{"READY", "DOING", "REVIEW"} {
		code, out = clawgov(t, "task", "transition", "T-2", to)
		require.Equal(t, 0, code, string(out))
	}

	args := []string{"task", "override", "T-2", "--reason", "outage", "--risk", "skips review", "--deadline", "2030-01-01T00:00:00Z"}
	code, _ = clawgov(t, append(args, "--as", "dev")...)
	assert.Equal(t, 1, code)

	code, out = clawgov(t, args...)
	require.Equal(t, 0, code, string(out))
	assert.Equal(t, "DONE", decode(t, out)["result"].(map[string]any)["to"])
}

func TestExtAccess(t *testing.T) {
	setupHome(t)

	code, out := clawgov(t, "grant", "dev", "mock", "--level", "1", "--as", "dev")
	assert.Equal(t, 1, code, "non-main callers cannot grant")

	code, out = clawgov(t, "grant", "dev", "mock", "--level", "1")
	require.Equal(t, 0, code, string(out))

	code, out = clawgov(t, "call", "mock", "read_stuff", "--as", "dev", "--params", `{"key":"a"}`)
	require.Equal(t, 0, code, string(out))
	assert.Equal(t, "executed", decode(t, out)["result"].(map[string]any)["status"])

	code, out = clawgov(t, "call", "mock", "write_stuff", "--as", "dev", "--params", `{"key":"a","value":"b"}`)
	assert.Equal(t, 1, code)
	res := decode(t, out)["result"].(map[string]any)
	assert.Equal(t, "denied", res["status"])
	assert.Equal(t, "INSUFFICIENT_ACCESS", res["reason"])

	code, out = clawgov(t, "capabilities", "dev")
	require.Equal(t, 0, code)
	var caps []map[string]any
	require.NoError(t, json.Unmarshal(out, &caps))
	require.Len(t, caps, 1)
	assert.EqualValues(t, 1, caps[0]["access_level"])

	code, out = clawgov(t, "revoke", "dev", "mock")
	require.Equal(t, 0, code, string(out))
	code, out = clawgov(t, "revoke", "dev", "mock")
	assert.Equal(t, 1, code)
	assert.Equal(t, "CAPABILITY_NOT_FOUND", decode(t, out)["error"].(map[string]any)["reason"])

	code, out = clawgov(t, "actions")
	require.Equal(t, 0, code)
	assert.Contains(t, string(out), "deploy_stuff")
	assert.Contains(t, string(out), "webhook")

	code, out = clawgov(t, "audit", "log", "--decision", "deny", "--caller", "dev", "--action", "ext_call:")
	require.Equal(t, 0, code, string(out))
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(out, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "ext_call:mock.write_stuff", rows[0]["action"])
	assert.Equal(t, "INSUFFICIENT_ACCESS", rows[0]["reason"])
	assert.NotEmpty(t, rows[0]["request_id"])

	code, _ = clawgov(t, "audit", "log", "--decision", "maybe")
	assert.Equal(t, 2, code)
}

func TestCall_SignsWithConfiguredSecret(t *testing.T) {
	home := setupHome(t)
	code, _ := clawgov(t, "secret", "set", "dev", "s3cret")
	require.Equal(t, 0, code)
	cfgPath := filepath.Join(home, "config.yaml")
	raw, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "s3cret")

	t.Setenv("CLAWGOV_REQUIRE_SIGNATURES", "true")
	code, out := clawgov(t, "grant", "dev", "mock", "--level", "1")
	require.Equal(t, 0, code, string(out))

	code, out = clawgov(t, "call", "mock", "read_stuff", "--as", "dev")
	require.Equal(t, 0, code, string(out))
	assert.Equal(t, "executed", decode(t, out)["result"].(map[string]any)["status"])

	// A group without a secret cannot sign and is rejected.
	code, out = clawgov(t, "grant", "qa", "mock", "--level", "1")
	require.Equal(t, 0, code, string(out))
	code, out = clawgov(t, "call", "mock", "read_stuff", "--as", "qa")
	assert.Equal(t, 1, code)
	assert.Equal(t, "denied", decode(t, out)["result"].(map[string]any)["status"])
}

func TestDispatch_MovesReadyTasks(t *testing.T) {
	setupHome(t)
	code, out := clawgov(t, "task", "create", "--id", "T-3", "--title", "Queue", "--type", "ops",
		"--scope", "COMPANY", "--assign", "dev")
	require.Equal(t, 0, code, string(out))
	code, _ = clawgov(t, "task", "transition", "T-3", "READY")
	require.Equal(t, 0, code)

	code, out = clawgov(t, "dispatch")
	require.Equal(t, 0, code)
	assert.EqualValues(t, 1, decode(t, out)["dispatched"])

	code, out = clawgov(t, "dispatch")
	require.Equal(t, 0, code)
	assert.EqualValues(t, 0, decode(t, out)["dispatched"])
}

func TestProducts_ImportAndScope(t *testing.T) {
	home := setupHome(t)
	path := filepath.Join(home, "products.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[product]]\nid = \"shop\"\nname = \"Shop\"\n"), 0o644))

	code, out := clawgov(t, "products", "import", path)
	require.Equal(t, 0, code, string(out))
	assert.EqualValues(t, 1, decode(t, out)["imported"])

	code, out = clawgov(t, "products", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, string(out), `"shop"`)

	code, out = clawgov(t, "task", "create", "--id", "T-4", "--title", "Shop work", "--type", "feature",
		"--scope", "PRODUCT", "--product", "shop")
	require.Equal(t, 0, code, string(out))

	code, _ = clawgov(t, "task", "create", "--id", "T-5", "--title", "Ghost", "--type", "feature",
		"--scope", "PRODUCT", "--product", "ghost")
	assert.Equal(t, 1, code)
}

func TestStatus_JSON(t *testing.T) {
	setupHome(t)
	code, out := clawgov(t, "task", "create", "--id", "T-6", "--title", "Count me", "--type", "doc", "--scope", "COMPANY")
	require.Equal(t, 0, code, string(out))

	code, out = clawgov(t, "status", "--json")
	require.Equal(t, 0, code)
	report := decode(t, out)
	assert.EqualValues(t, 1, report["tasks"].(map[string]any)["INBOX"])
	assert.Equal(t, true, report["activity_chain_ok"])
}

func TestRenderStatus(t *testing.T) {
	s := renderStatus(statusReport{Home: "/tmp/x", MainGroup: "main", ChainOK: false})
	assert.Contains(t, s, "BROKEN")
	assert.Contains(t, s, "main")
}

func TestDoctor_JSON(t *testing.T) {
	setupHome(t)
	code, out := clawgov(t, "doctor", "--json")
	assert.Equal(t, 0, code, string(out))
	assert.NotEmpty(t, decode(t, out)["results"])
}

func TestPolicy_EditsDriveCalls(t *testing.T) {
	home := setupHome(t)

	code, out := clawgov(t, "policy", "show")
	require.Equal(t, 0, code, string(out))
	before := decode(t, out)
	assert.Empty(t, before["allow_domains"])

	code, out = clawgov(t, "policy", "allow-domain", "Hooks.Example.com")
	require.Equal(t, 0, code, string(out))
	after := decode(t, out)
	assert.Equal(t, []any{"hooks.example.com"}, after["allow_domains"])
	assert.NotEqual(t, before["version"], after["version"])

	code, _ = clawgov(t, "policy", "allow-domain", "https://bad.example.com/")
	assert.Equal(t, 1, code)

	raw, err := os.ReadFile(filepath.Join(home, "policy.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hooks.example.com")

	code, out = clawgov(t, "grant", "dev", "mock", "--level", "1")
	require.Equal(t, 0, code, string(out))
	code, out = clawgov(t, "policy", "disable-provider", "mock")
	require.Equal(t, 0, code, string(out))

	code, out = clawgov(t, "call", "mock", "read_stuff", "--as", "dev", "--params", `{"key":"a"}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "PROVIDER_DISABLED", decode(t, out)["result"].(map[string]any)["reason"])

	code, out = clawgov(t, "policy", "enable-provider", "mock")
	require.Equal(t, 0, code, string(out))
	code, out = clawgov(t, "call", "mock", "read_stuff", "--as", "dev", "--params", `{"key":"a"}`)
	assert.Equal(t, 0, code, string(out))

	code, _ = clawgov(t, "policy", "frobnicate")
	assert.Equal(t, 2, code)
}
