package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Mock is an in-memory provider for dry runs and tests. It keeps a key/value
// map and counts every execution.
type Mock struct {
	calls atomic.Int64

	mu      sync.Mutex
	data    map[string]string
	deploys []string
}

func NewMock() *Mock {
	return &Mock{data: map[string]string{}}
}

// Calls is the number of times any mock action has executed.
func (m *Mock) Calls() int64 { return m.calls.Load() }

// Deploys lists targets deployed so far, in order.
func (m *Mock) Deploys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deploys...)
}

type mockParams struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Target  string `json:"target"`
	Version string `json:"version"`
	// Fail makes the action report a failure; Error makes it return an error.
	Fail  bool   `json:"fail"`
	Error string `json:"error"`
}

// Provider exposes read_stuff (L1), write_stuff (L2) and deploy_stuff (L3).
func (m *Mock) Provider() *Provider {
	return &Provider{
		Name:        "mock",
		Description: "In-memory dry-run provider",
		Actions: map[string]*Action{
			"read_stuff": {
				Description:  "Read a key",
				Level:        1,
				Idempotent:   true,
				ParamsSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"fail":{"type":"boolean"},"error":{"type":"string"}}}`),
				Execute:      m.read,
			},
			"write_stuff": {
				Description:  "Write a key",
				Level:        2,
				ParamsSchema: json.RawMessage(`{"type":"object","required":["key","value"],"properties":{"key":{"type":"string","minLength":1},"value":{"type":"string"},"fail":{"type":"boolean"},"error":{"type":"string"}}}`),
				Execute:      m.write,
			},
			"deploy_stuff": {
				Description:  "Deploy a target",
				Level:        3,
				ParamsSchema: json.RawMessage(`{"type":"object","required":["target"],"properties":{"target":{"type":"string","minLength":1},"version":{"type":"string"},"fail":{"type":"boolean"},"error":{"type":"string"}}}`),
				Execute:      m.deploy,
				Summarize: func(r Result) string {
					return "deploy failed: " + r.Summary
				},
			},
		},
	}
}

func (m *Mock) begin(req Request) (mockParams, error) {
	m.calls.Add(1)
	var p mockParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return p, fmt.Errorf("decode params: %w", err)
		}
	}
	if p.Error != "" {
		return p, errors.New(p.Error)
	}
	return p, nil
}

func (m *Mock) read(_ context.Context, req Request) (Result, error) {
	p, err := m.begin(req)
	if err != nil {
		return Result{}, err
	}
	if p.Fail {
		return Result{Summary: "read refused"}, nil
	}
	m.mu.Lock()
	v, ok := m.data[p.Key]
	m.mu.Unlock()
	return okResult(map[string]any{"key": p.Key, "value": v, "found": ok})
}

func (m *Mock) write(_ context.Context, req Request) (Result, error) {
	p, err := m.begin(req)
	if err != nil {
		return Result{}, err
	}
	if p.Fail {
		return Result{Summary: "write refused"}, nil
	}
	m.mu.Lock()
	m.data[p.Key] = p.Value
	n := len(m.data)
	m.mu.Unlock()
	return okResult(map[string]any{"key": p.Key, "written": true, "keys": n, "call": m.calls.Load()})
}

func (m *Mock) deploy(_ context.Context, req Request) (Result, error) {
	p, err := m.begin(req)
	if err != nil {
		return Result{}, err
	}
	if p.Fail {
		return Result{Summary: "target " + p.Target + " rejected the rollout"}, nil
	}
	m.mu.Lock()
	m.deploys = append(m.deploys, p.Target)
	m.mu.Unlock()
	return okResult(map[string]any{"target": p.Target, "version": p.Version, "deployed": true, "call": m.calls.Load()})
}

func okResult(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{OK: true, Data: b}, nil
}
