package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/clawgov/internal/persistence"
)

const sample = `
[[product]]
id = "storefront"
name = "Storefront"
risk_level = "HIGH"

[[product]]
id = "billing"
name = "Billing"
status = "paused"
`

func TestDecode_Defaults(t *testing.T) {
	products, err := Decode(sample)
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, persistence.Product{ID: "storefront", Name: "Storefront", Status: "active", RiskLevel: "high"}, products[0])
	assert.Equal(t, persistence.Product{ID: "billing", Name: "Billing", Status: "paused", RiskLevel: "normal"}, products[1])
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string][]persistence.Product{
		"bad id":       {{ID: "Has Space", Name: "x"}},
		"duplicate":    {{ID: "a", Name: "A"}, {ID: "a", Name: "Again"}},
		"no name":      {{ID: "a"}},
		"status":       {{ID: "a", Name: "A", Status: "zombie"}},
		"risk":         {{ID: "a", Name: "A", RiskLevel: "spicy"}},
		"reserved-ish": {{ID: "__ext_access__", Name: "A"}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(in)
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[product]]\nid = \"a\"\nname = \"A\"\nrisk = \"high\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestImport_UpsertsIntoStore(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "gov.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	path := filepath.Join(dir, "products.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ctx := context.Background()
	n, err := Import(ctx, store, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-import with a changed name updates in place.
	require.NoError(t, os.WriteFile(path, []byte("[[product]]\nid = \"billing\"\nname = \"Billing v2\"\n"), 0o644))
	_, err = Import(ctx, store, path, nil)
	require.NoError(t, err)

	got, err := store.GetProduct(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "Billing v2", got.Name)
	assert.Equal(t, "active", got.Status)

	all, err := store.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
