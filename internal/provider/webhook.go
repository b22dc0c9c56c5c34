package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/clawgov/internal/policy"
)

// WebhookName is the registry name of the outbound HTTP provider and its key
// in the policy's provider_domains.
const WebhookName = "webhook"

const (
	maxWebhookRedirects = 5
	maxWebhookBody      = 64 << 10
)

// WebhookConfig configures the outbound HTTP provider.
type WebhookConfig struct {
	Policy  policy.Checker
	Timeout time.Duration // default 15s
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

type webhookParams struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers"`
}

type webhookData struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// NewWebhook returns the "webhook" provider: get (L1, idempotent) and post
// (L2). Every URL, including redirect targets, must pass the egress policy.
// An optional "token" secret is sent as a bearer token.
func NewWebhook(cfg WebhookConfig) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pol := cfg.Policy
	client := &http.Client{
		Timeout:   timeout,
		Transport: cfg.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxWebhookRedirects {
				return fmt.Errorf("stopped after %d redirects", maxWebhookRedirects)
			}
			if pol == nil || !pol.AllowProviderURL(WebhookName, req.URL.String()) {
				return fmt.Errorf("policy denied redirect to %q", req.URL.Redacted())
			}
			return nil
		},
	}
	const urlSchema = `{"type":"string","pattern":"^https?://"}`
	return &Provider{
		Name:        WebhookName,
		Description: "Outbound HTTP calls to allowlisted hosts",
		Actions: map[string]*Action{
			"get": {
				Description:  "HTTP GET",
				Level:        1,
				Idempotent:   true,
				ParamsSchema: json.RawMessage(`{"type":"object","required":["url"],"properties":{"url":` + urlSchema + `,"headers":{"type":"object","additionalProperties":{"type":"string"}}}}`),
				Execute: func(ctx context.Context, req Request) (Result, error) {
					return doWebhook(ctx, client, pol, http.MethodGet, req)
				},
			},
			"post": {
				Description:  "HTTP POST with a JSON body",
				Level:        2,
				ParamsSchema: json.RawMessage(`{"type":"object","required":["url"],"properties":{"url":` + urlSchema + `,"body":{},"headers":{"type":"object","additionalProperties":{"type":"string"}}}}`),
				Execute: func(ctx context.Context, req Request) (Result, error) {
					return doWebhook(ctx, client, pol, http.MethodPost, req)
				},
				Summarize: func(r Result) string {
					return "webhook rejected the post: " + r.Summary
				},
			},
		},
	}
}

func doWebhook(ctx context.Context, client *http.Client, pol policy.Checker, method string, req Request) (Result, error) {
	var p webhookParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return Result{}, fmt.Errorf("decode params: %w", err)
	}
	if pol == nil || !pol.AllowProviderURL(WebhookName, p.URL) {
		return Result{Summary: "egress policy denied " + redactURL(p.URL)}, nil
	}

	var body io.Reader
	if method == http.MethodPost && len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return Result{}, err
	}
	for k, v := range p.Headers {
		if strings.EqualFold(k, "Authorization") {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", "clawgov-webhook/1")
	httpReq.Header.Set("X-Clawgov-Request-Id", req.RequestID)
	if tok := req.Secrets["token"]; tok != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	data := webhookData{Status: resp.StatusCode}
	if json.Valid(raw) && len(bytes.TrimSpace(raw)) > 0 {
		data.Body = raw
	} else {
		data.Text = string(raw)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Data: encoded, Summary: fmt.Sprintf("HTTP %d", resp.StatusCode)}, nil
	}
	return Result{OK: true, Data: encoded}, nil
}

func redactURL(raw string) string {
	req, err := http.NewRequest(http.MethodGet, raw, nil)
	if err != nil {
		return "invalid url"
	}
	return req.URL.Redacted()
}
