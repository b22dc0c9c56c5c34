package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawgov/internal/bus"
)

type Capability struct {
	GroupFolder      string     `json:"group_folder"`
	Provider         string     `json:"provider"`
	AccessLevel      int        `json:"access_level"`
	AllowedActions   []string   `json:"allowed_actions,omitempty"` // nil = no allow-list
	DeniedActions    []string   `json:"denied_actions,omitempty"`
	RequiresTaskGate string     `json:"requires_task_gate,omitempty"`
	ProductID        string     `json:"product_id,omitempty"` // "" = company-wide
	GrantedBy        string     `json:"granted_by"`
	GrantedAt        time.Time  `json:"granted_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Active           bool       `json:"active"`
}

// Expired reports whether the grant has an expiry at or before now.
func (c *Capability) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

func encodeActionList(list []string) (sql.NullString, error) {
	if list == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode action list: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeActionList(v sql.NullString) ([]string, error) {
	if !v.Valid {
		return nil, nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode action list: %w", err)
	}
	return out, nil
}

const capabilityColumns = `group_folder, provider, access_level, allowed_actions, denied_actions,
	COALESCE(requires_task_gate, ''), COALESCE(product_id, ''), granted_by, granted_at, expires_at, active`

func scanCapability(scanFn func(dest ...any) error, c *Capability) error {
	var (
		allowed, denied sql.NullString
		expires         sql.NullTime
		active          int
	)
	if err := scanFn(&c.GroupFolder, &c.Provider, &c.AccessLevel, &allowed, &denied,
		&c.RequiresTaskGate, &c.ProductID, &c.GrantedBy, &c.GrantedAt, &expires, &active); err != nil {
		return err
	}
	var err error
	if c.AllowedActions, err = decodeActionList(allowed); err != nil {
		return err
	}
	if c.DeniedActions, err = decodeActionList(denied); err != nil {
		return err
	}
	if expires.Valid {
		t := expires.Time
		c.ExpiresAt = &t
	}
	c.Active = active != 0
	return nil
}

// UpsertCapability grants (or replaces) the (group, provider) capability and
// mirrors the change into the sentinel task's activity log.
func (s *Store) UpsertCapability(ctx context.Context, c Capability) (*Capability, error) {
	allowed, err := encodeActionList(c.AllowedActions)
	if err != nil {
		return nil, err
	}
	denied, err := encodeActionList(c.DeniedActions)
	if err != nil {
		return nil, err
	}
	c.GrantedAt = s.timestamp()
	c.Active = true

	var expires sql.NullTime
	if c.ExpiresAt != nil {
		expires = sql.NullTime{Time: c.ExpiresAt.UTC(), Valid: true}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO capabilities (group_folder, provider, access_level, allowed_actions, denied_actions,
				requires_task_gate, product_id, granted_by, granted_at, expires_at, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(group_folder, provider) DO UPDATE SET
				access_level = excluded.access_level,
				allowed_actions = excluded.allowed_actions,
				denied_actions = excluded.denied_actions,
				requires_task_gate = excluded.requires_task_gate,
				product_id = excluded.product_id,
				granted_by = excluded.granted_by,
				granted_at = excluded.granted_at,
				expires_at = excluded.expires_at,
				active = 1;
		`, c.GroupFolder, c.Provider, c.AccessLevel, allowed, denied, nullString(c.RequiresTaskGate),
			nullString(c.ProductID), c.GrantedBy, c.GrantedAt, expires); err != nil {
			return fmt.Errorf("upsert capability: %w", err)
		}
		reason := fmt.Sprintf("group=%s provider=%s level=%d", c.GroupFolder, c.Provider, c.AccessLevel)
		if c.ProductID != "" {
			reason += " product=" + c.ProductID
		}
		if c.ExpiresAt != nil {
			reason += " expires=" + c.ExpiresAt.UTC().Format(time.RFC3339)
		}
		return s.appendActivityTx(ctx, tx, GovActivity{
			TaskID: SentinelTaskID,
			Action: "ext_grant",
			Actor:  c.GrantedBy,
			Reason: reason,
		})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicCapabilityChanged, bus.CapabilityChangedEvent{
		Group: c.GroupFolder, Provider: c.Provider, Level: c.AccessLevel, Active: true, Change: "grant",
	})
	return &c, nil
}

// DeactivateCapability marks the capability inactive. Returns ErrNotFound
// when no active row exists.
func (s *Store) DeactivateCapability(ctx context.Context, group, provider, actor, action string) error {
	return s.deactivate(ctx, group, provider, actor, action, nil)
}

// ExpireCapability deactivates the active (group, provider) row only if it
// is still past its expiry at now. A grant renewed after the caller listed
// expired rows is left alone and ErrNotFound is returned.
func (s *Store) ExpireCapability(ctx context.Context, group, provider, actor string, now time.Time) error {
	return s.deactivate(ctx, group, provider, actor, "ext_expire", func(tx *sql.Tx) (bool, error) {
		var expires sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT expires_at FROM capabilities WHERE group_folder = ? AND provider = ? AND active = 1;
		`, group, provider).Scan(&expires)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read capability expiry: %w", err)
		}
		return expires.Valid && !now.Before(expires.Time), nil
	})
}

// deactivate runs the deactivation and its sentinel activity in one
// transaction. A non-nil guard runs first and may veto it.
func (s *Store) deactivate(ctx context.Context, group, provider, actor, action string, guard func(*sql.Tx) (bool, error)) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if guard != nil {
			ok, err := guard(tx)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotFound
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE capabilities SET active = 0
			WHERE group_folder = ? AND provider = ? AND active = 1;
		`, group, provider)
		if err != nil {
			return fmt.Errorf("deactivate capability: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return s.appendActivityTx(ctx, tx, GovActivity{
			TaskID: SentinelTaskID,
			Action: action,
			Actor:  actor,
			Reason: fmt.Sprintf("group=%s provider=%s", group, provider),
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicCapabilityChanged, bus.CapabilityChangedEvent{
		Group: group, Provider: provider, Active: false, Change: strings.TrimPrefix(action, "ext_"),
	})
	return nil
}

// GetCapability returns the (group, provider) row, active or not.
func (s *Store) GetCapability(ctx context.Context, group, provider string) (*Capability, error) {
	var c Capability
	err := scanCapability(s.db.QueryRowContext(ctx, `SELECT `+capabilityColumns+`
		FROM capabilities WHERE group_folder = ? AND provider = ?;`, group, provider).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capability: %w", err)
	}
	return &c, nil
}

// ListCapabilities returns capabilities for group, or all when group is "".
func (s *Store) ListCapabilities(ctx context.Context, group string) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+capabilityColumns+`
		FROM capabilities WHERE (? = '' OR group_folder = ?) ORDER BY group_folder, provider;`, group, group)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()
	var out []Capability
	for rows.Next() {
		var c Capability
		if err := scanCapability(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExpiredCapabilities lists active grants whose expiry is at or before now.
func (s *Store) ExpiredCapabilities(ctx context.Context, now time.Time) ([]Capability, error) {
	all, err := s.ListCapabilities(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []Capability
	for _, c := range all {
		if c.Active && c.Expired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}
