package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fairyhunter13/keymarket/internal/store"
)

const sample = `
products:
  - name: Windows 11 Pro
    description: Retail licence
    price: 1990
    category: windows
    keys: [XXXX-1, XXXX-2]
  - id: 20
    name: Office 2021
    price: 2490
    category: office
`

var quiet = slog.New(slog.DiscardHandler)

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Products) != 2 || f.Products[0].Price != 1990 || len(f.Products[0].Keys) != 2 || f.Products[1].ID != 20 {
		t.Fatalf("parsed = %+v", f)
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"unknown field": "products:\n  - name: A\n    price: 1\n    category: c\n    colour: red\n",
		"no name":       "products:\n  - price: 1\n    category: c\n",
		"zero price":    "products:\n  - name: A\n    price: 0\n    category: c\n",
		"no category":   "products:\n  - name: A\n    price: 1\n",
		"dup key":       "products:\n  - name: A\n    price: 1\n    category: c\n    keys: [K]\n  - name: B\n    price: 1\n    category: c\n    keys: [K]\n",
		"dup id":        "products:\n  - id: 1\n    name: A\n    price: 1\n    category: c\n  - id: 1\n    name: B\n    price: 1\n    category: c\n",
	}
	for name, doc := range cases {
		if _, err := Parse(strings.NewReader(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSeedOnlyEmptyStore(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	f, _ := Parse(strings.NewReader(sample))
	n, err := Seed(ctx, st, f, quiet)
	if err != nil || n != 2 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	ps, _ := st.ListProducts(ctx, "windows")
	if len(ps) != 1 {
		t.Fatalf("windows products = %+v", ps)
	}
	if k, _ := st.AvailableKeys(ctx, ps[0].ID); k != 2 {
		t.Fatalf("keys = %d", k)
	}
	if p, err := st.GetProduct(ctx, 20); err != nil || p.Name != "Office 2021" {
		t.Fatalf("GetProduct(20) = %+v, %v", p, err)
	}

	n, err = Seed(ctx, st, f, quiet)
	if err != nil || n != 0 {
		t.Fatalf("second Seed = %d, %v", n, err)
	}
	if k, _ := st.AvailableKeys(ctx, ps[0].ID); k != 2 {
		t.Fatalf("reseed added keys: %d", k)
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	st := store.New()
	if n, err := SeedFile(context.Background(), st, path, quiet); err != nil || n != 2 {
		t.Fatalf("SeedFile = %d, %v", n, err)
	}
	if _, err := SeedFile(context.Background(), st, filepath.Join(t.TempDir(), "missing.yaml"), quiet); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if c, _ := st.Categories(context.Background()); len(c) != 2 {
		t.Fatalf("categories = %v", c)
	}
}
