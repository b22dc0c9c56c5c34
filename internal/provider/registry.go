// Package provider defines the external-action handlers the access broker
// executes and the immutable registry it is constructed with.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownAction   = errors.New("unknown action")
)

// Request is what an action's Execute receives.
type Request struct {
	RequestID string
	Caller    string
	TaskID    string
	Params    json.RawMessage
	Secrets   map[string]string
}

// Result is an action outcome. OK=false is a provider-reported failure, as
// opposed to an Execute error.
type Result struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Summary string          `json:"summary,omitempty"`
}

type ExecFunc func(ctx context.Context, req Request) (Result, error)

// Action is one operation a provider exposes.
type Action struct {
	Name        string
	Description string
	// Level is the minimum capability access level (0-3) needed to call it.
	Level int
	// Idempotent actions are safe to re-run; non-idempotent ones are served
	// from the idempotency cache when a key repeats.
	Idempotent   bool
	ParamsSchema json.RawMessage
	Execute      ExecFunc
	// Summarize renders a failed result for the caller. Optional.
	Summarize func(Result) string

	schema *jsonschema.Schema
}

// Provider groups actions under one name.
type Provider struct {
	Name            string
	Description     string
	RequiredSecrets []string
	Actions         map[string]*Action
}

// SecretSource resolves a provider's configured secrets.
type SecretSource func(provider string) map[string]string

// Registry maps provider names to providers. It is built once and never
// mutated afterwards.
type Registry struct {
	providers map[string]*Provider
	secrets   SecretSource
}

// NewRegistry validates every provider and compiles its parameter schemas.
func NewRegistry(secrets SecretSource, providers ...*Provider) (*Registry, error) {
	if secrets == nil {
		secrets = func(string) map[string]string { return nil }
	}
	r := &Registry{providers: make(map[string]*Provider, len(providers)), secrets: secrets}
	c := jsonschema.NewCompiler()
	for _, p := range providers {
		if p == nil || strings.TrimSpace(p.Name) == "" {
			return nil, errors.New("provider name required")
		}
		if _, dup := r.providers[p.Name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name)
		}
		for name, a := range p.Actions {
			if a == nil || a.Execute == nil {
				return nil, fmt.Errorf("provider %s: action %q has no Execute", p.Name, name)
			}
			if a.Level < 0 || a.Level > 3 {
				return nil, fmt.Errorf("provider %s: action %q level %d out of range", p.Name, name, a.Level)
			}
			a.Name = name
			if len(a.ParamsSchema) == 0 {
				continue
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(a.ParamsSchema))
			if err != nil {
				return nil, fmt.Errorf("provider %s action %s: unmarshal schema: %w", p.Name, name, err)
			}
			loc := p.Name + "/" + name + ".json"
			if err := c.AddResource(loc, doc); err != nil {
				return nil, fmt.Errorf("provider %s action %s: add schema: %w", p.Name, name, err)
			}
			a.schema, err = c.Compile(loc)
			if err != nil {
				return nil, fmt.Errorf("provider %s action %s: compile schema: %w", p.Name, name, err)
			}
		}
		r.providers[p.Name] = p
	}
	return r, nil
}

// Lookup resolves provider and action.
func (r *Registry) Lookup(provider, action string) (*Provider, *Action, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	a, ok := p.Actions[action]
	if !ok {
		return p, nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, provider, action)
	}
	return p, a, nil
}

// Has reports whether provider is registered.
func (r *Registry) Has(provider string) bool {
	_, ok := r.providers[provider]
	return ok
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActionInfo is a read-only description of one action.
type ActionInfo struct {
	Provider   string `json:"provider"`
	Action     string `json:"action"`
	Level      int    `json:"level"`
	Idempotent bool   `json:"idempotent"`
	Ready      bool   `json:"ready"`
}

// Describe lists every action, sorted by provider then action.
func (r *Registry) Describe() []ActionInfo {
	var out []ActionInfo
	for _, pname := range r.Names() {
		p := r.providers[pname]
		ready := r.missingSecret(p) == ""
		names := make([]string, 0, len(p.Actions))
		for a := range p.Actions {
			names = append(names, a)
		}
		sort.Strings(names)
		for _, a := range names {
			act := p.Actions[a]
			out = append(out, ActionInfo{Provider: pname, Action: a, Level: act.Level, Idempotent: act.Idempotent, Ready: ready})
		}
	}
	return out
}

// ValidateParams checks raw against the action's schema. Empty params are
// treated as an empty object.
func (a *Action) ValidateParams(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if a.schema == nil {
		if _, ok := inst.(map[string]any); !ok {
			return errors.New("params must be a JSON object")
		}
		return nil
	}
	if err := a.schema.Validate(inst); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// SummarizeFailure renders a failed result for the caller.
func (a *Action) SummarizeFailure(res Result) string {
	if a.Summarize != nil {
		if s := a.Summarize(res); s != "" {
			return s
		}
	}
	if res.Summary != "" {
		return res.Summary
	}
	return "provider reported failure"
}

func (r *Registry) missingSecret(p *Provider) string {
	have := r.secrets(p.Name)
	for _, name := range p.RequiredSecrets {
		if strings.TrimSpace(have[name]) == "" {
			return name
		}
	}
	return ""
}

// Execute runs action with the provider's secrets attached.
func (r *Registry) Execute(ctx context.Context, p *Provider, a *Action, req Request) (Result, error) {
	if missing := r.missingSecret(p); missing != "" {
		return Result{}, fmt.Errorf("provider %s is missing secret %q", p.Name, missing)
	}
	req.Secrets = r.secrets(p.Name)
	return a.Execute(ctx, req)
}
