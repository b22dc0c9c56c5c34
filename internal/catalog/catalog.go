// Package catalog loads the product reference data used for capability
// scoping from a TOML file and syncs it into the store.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/basket/clawgov/internal/persistence"
)

var (
	idPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	statuses    = map[string]bool{"active": true, "paused": true, "retired": true}
	riskLevels  = map[string]bool{"low": true, "normal": true, "high": true, "critical": true}
	defaultRisk = "normal"
)

// File is the on-disk layout:
//
//	[[product]]
//	id = "storefront"
//	name = "Storefront"
//	risk_level = "high"
type File struct {
	Products []persistence.Product `toml:"product"`
}

// Load parses and validates a catalog file. Unknown keys are rejected so
// typos do not silently drop fields.
func Load(path string) ([]persistence.Product, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load catalog: unknown keys %s", strings.Join(keys, ", "))
	}
	return Validate(f.Products)
}

// Decode parses catalog TOML from memory.
func Decode(data string) ([]persistence.Product, error) {
	var f File
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return Validate(f.Products)
}

// Validate normalizes products and rejects bad ids, enums and duplicates.
func Validate(in []persistence.Product) ([]persistence.Product, error) {
	seen := make(map[string]bool, len(in))
	out := make([]persistence.Product, 0, len(in))
	for i, p := range in {
		p.ID = strings.TrimSpace(p.ID)
		p.Name = strings.TrimSpace(p.Name)
		p.Status = strings.ToLower(strings.TrimSpace(p.Status))
		p.RiskLevel = strings.ToLower(strings.TrimSpace(p.RiskLevel))
		if !idPattern.MatchString(p.ID) {
			return nil, fmt.Errorf("product %d: invalid id %q", i, p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("product %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" {
			return nil, fmt.Errorf("product %q: name required", p.ID)
		}
		if p.Status == "" {
			p.Status = "active"
		}
		if !statuses[p.Status] {
			return nil, fmt.Errorf("product %q: unknown status %q", p.ID, p.Status)
		}
		if p.RiskLevel == "" {
			p.RiskLevel = defaultRisk
		}
		if !riskLevels[p.RiskLevel] {
			return nil, fmt.Errorf("product %q: unknown risk_level %q", p.ID, p.RiskLevel)
		}
		out = append(out, p)
	}
	return out, nil
}

// Sync upserts every product. Products missing from the file are left in
// place since capabilities and tasks may still reference them.
func Sync(ctx context.Context, store *persistence.Store, products []persistence.Product, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range products {
		if err := store.UpsertProduct(ctx, p); err != nil {
			return 0, fmt.Errorf("sync product %q: %w", p.ID, err)
		}
	}
	logger.Info("product catalog synced", "component", "catalog", "count", len(products))
	return len(products), nil
}

// Import loads path and syncs it into store.
func Import(ctx context.Context, store *persistence.Store, path string, logger *slog.Logger) (int, error) {
	products, err := Load(path)
	if err != nil {
		return 0, err
	}
	return Sync(ctx, store, products, logger)
}
