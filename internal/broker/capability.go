package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/clawgov/internal/audit"
	"github.com/basket/clawgov/internal/governance"
	otelPkg "github.com/basket/clawgov/internal/otel"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/provider"
	"github.com/basket/clawgov/internal/telemetry"
)

// DefaultGrantExpiry applies to level >= 2 grants with no configured lifetime.
const DefaultGrantExpiry = 7 * 24 * time.Hour

// SystemActor is recorded for sweeps that no caller initiated.
const SystemActor = "system"

// GrantRequest is the ext_grant command body.
type GrantRequest struct {
	GroupFolder      string   `json:"group_folder"`
	Provider         string   `json:"provider"`
	AccessLevel      int      `json:"access_level"`
	AllowedActions   []string `json:"allowed_actions,omitempty"`
	DeniedActions    []string `json:"denied_actions,omitempty"`
	RequiresTaskGate string   `json:"requires_task_gate,omitempty"`
	ProductID        string   `json:"product_id,omitempty"`
}

// RevokeRequest is the ext_revoke command body.
type RevokeRequest struct {
	GroupFolder string `json:"group_folder"`
	Provider    string `json:"provider"`
}

func invalid(reason, format string, args ...any) error {
	return &governance.Error{Kind: governance.KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (b *Broker) requirePrivileged(actor, op string) error {
	if b.kernel.IsPrivileged(actor) {
		return nil
	}
	return &governance.Error{
		Kind:    governance.KindForbidden,
		Reason:  "PRIVILEGED_ONLY",
		Message: fmt.Sprintf("%s is restricted to %s", op, b.kernel.MainGroup()),
	}
}

// expiryFor returns the grant lifetime for level, or zero for no expiry.
func (b *Broker) expiryFor(level int) time.Duration {
	if d, ok := b.expiry[level]; ok {
		return d
	}
	if level >= 2 {
		return DefaultGrantExpiry
	}
	return 0
}

// Grant creates or replaces the (group, provider) capability.
func (b *Broker) Grant(ctx context.Context, actor string, req GrantRequest) (capability *persistence.Capability, err error) {
	ctx, span := otelPkg.StartSpan(ctx, b.tracer, "broker.grant",
		otelPkg.AttrCaller.String(actor), otelPkg.AttrProvider.String(req.Provider), otelPkg.AttrLevel.Int(req.AccessLevel))
	defer func() { otelPkg.EndSpan(span, err) }()

	if err := b.requirePrivileged(actor, "ext_grant"); err != nil {
		return nil, err
	}
	group := strings.TrimSpace(req.GroupFolder)
	if group == "" {
		return nil, invalid("INVALID_GROUP", "group_folder is required")
	}
	if !b.registry.Has(req.Provider) {
		return nil, invalid(ReasonUnknownProvider, "unknown provider %q", req.Provider)
	}
	if req.AccessLevel < 0 || req.AccessLevel > 3 {
		return nil, invalid("INVALID_LEVEL", "access_level must be 0-3, got %d", req.AccessLevel)
	}
	for _, list := range [][]string{req.AllowedActions, req.DeniedActions} {
		for _, a := range list {
			if _, _, err := b.registry.Lookup(req.Provider, a); err != nil {
				return nil, invalid(ReasonUnknownAction, "unknown action %q for provider %s", a, req.Provider)
			}
		}
	}
	if gate := req.RequiresTaskGate; gate != "" && (gate == "none" || !slices.Contains(governance.Gates, gate)) {
		return nil, invalid("INVALID_GATE", "requires_task_gate %q is not a gate", gate)
	}
	if req.ProductID != "" {
		if _, err := b.store.GetProduct(ctx, req.ProductID); errors.Is(err, persistence.ErrNotFound) {
			return nil, invalid("UNKNOWN_PRODUCT", "product %q does not exist", req.ProductID)
		} else if err != nil {
			return nil, err
		}
	}

	c := persistence.Capability{
		GroupFolder:      group,
		Provider:         req.Provider,
		AccessLevel:      req.AccessLevel,
		AllowedActions:   req.AllowedActions,
		DeniedActions:    req.DeniedActions,
		RequiresTaskGate: req.RequiresTaskGate,
		ProductID:        req.ProductID,
		GrantedBy:        actor,
	}
	if d := b.expiryFor(req.AccessLevel); d > 0 {
		at := b.now().Add(d).UTC()
		c.ExpiresAt = &at
	}
	capability, err = b.store.UpsertCapability(ctx, c)
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, audit.Entry{
		Decision:      audit.DecisionAllow,
		Action:        "ext_grant:" + req.Provider,
		Reason:        fmt.Sprintf("level=%d", req.AccessLevel),
		Subject:       group,
		PolicyVersion: b.policyVersion(),
	})
	telemetry.FromContext(ctx, b.logger).Info("capability granted",
		"group", group, "provider", req.Provider, "level", req.AccessLevel, "product_id", req.ProductID)
	return capability, nil
}

// Revoke deactivates the (group, provider) capability.
func (b *Broker) Revoke(ctx context.Context, actor string, req RevokeRequest) (err error) {
	ctx, span := otelPkg.StartSpan(ctx, b.tracer, "broker.revoke",
		otelPkg.AttrCaller.String(actor), otelPkg.AttrProvider.String(req.Provider))
	defer func() { otelPkg.EndSpan(span, err) }()

	if err := b.requirePrivileged(actor, "ext_revoke"); err != nil {
		return err
	}
	err = b.store.DeactivateCapability(ctx, req.GroupFolder, req.Provider, actor, "ext_revoke")
	if errors.Is(err, persistence.ErrNotFound) {
		return &governance.Error{
			Kind:    governance.KindNotFound,
			Reason:  "CAPABILITY_NOT_FOUND",
			Message: fmt.Sprintf("no active capability for %s on %s", req.GroupFolder, req.Provider),
			Err:     err,
		}
	}
	if err != nil {
		return err
	}
	audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionDeny,
		Action:   "ext_revoke:" + req.Provider,
		Reason:   "revoked by " + actor,
		Subject:  req.GroupFolder,
	})
	telemetry.FromContext(ctx, b.logger).Info("capability revoked", "group", req.GroupFolder, "provider", req.Provider)
	return nil
}

// SweepExpired deactivates every active capability past its expiry and
// returns how many it deactivated.
func (b *Broker) SweepExpired(ctx context.Context) (int, error) {
	now := b.now()
	expired, err := b.store.ExpiredCapabilities(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range expired {
		err := b.store.ExpireCapability(ctx, c.GroupFolder, c.Provider, SystemActor, now)
		if errors.Is(err, persistence.ErrNotFound) {
			// Revoked or renewed since the listing.
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		telemetry.FromContext(ctx, b.logger).Info("capability expired", "group", c.GroupFolder, "provider", c.Provider)
	}
	return n, nil
}

// Capabilities lists grants for group, or every grant when group is "".
func (b *Broker) Capabilities(ctx context.Context, group string) ([]persistence.Capability, error) {
	return b.store.ListCapabilities(ctx, group)
}

// Actions lists every registered provider action.
func (b *Broker) Actions() []provider.ActionInfo { return b.registry.Describe() }
