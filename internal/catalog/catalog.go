// Package catalog loads a YAML product catalog into an empty store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/obs"
	"github.com/fairyhunter13/keymarket/internal/store"
)

// Entry is one product with its activation keys.
type Entry struct {
	ID          int64    `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Price       int64    `yaml:"price"`
	Category    string   `yaml:"category"`
	Keys        []string `yaml:"keys"`
}

type File struct {
	Products []Entry `yaml:"products"`
}

// Parse decodes and validates a catalog document. Unknown fields are
// rejected.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("catalog: decoding: %w", err)
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	secrets := make(map[string]string)
	ids := make(map[int64]bool)
	for i, e := range f.Products {
		switch {
		case e.Name == "":
			return fmt.Errorf("catalog: product #%d has no name", i+1)
		case e.Price <= 0:
			return fmt.Errorf("catalog: product %q has non-positive price %d", e.Name, e.Price)
		case e.Category == "":
			return fmt.Errorf("catalog: product %q has no category", e.Name)
		}
		if e.ID != 0 {
			if ids[e.ID] {
				return fmt.Errorf("catalog: product id %d used twice", e.ID)
			}
			ids[e.ID] = true
		}
		for _, k := range e.Keys {
			if k == "" {
				return fmt.Errorf("catalog: product %q has an empty key", e.Name)
			}
			if other, dup := secrets[k]; dup {
				return fmt.Errorf("catalog: key of %q duplicates a key of %q", e.Name, other)
			}
			secrets[k] = e.Name
		}
	}
	return nil
}

// Seed inserts every product of f when the store has no products yet.
// A non-empty store is left untouched. It returns the number of
// products inserted.
func Seed(ctx context.Context, cat store.Catalog, f File, logger *slog.Logger) (int, error) {
	logger = obs.Or(logger)
	n, err := cat.ProductCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog: counting products: %w", err)
	}
	if n > 0 {
		logger.Info("catalog_seed_skipped", "existing_products", n)
		return 0, nil
	}
	keys := 0
	for i, e := range f.Products {
		_, err := cat.InsertProduct(ctx, model.Product{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Price:       e.Price,
			Category:    e.Category,
		}, e.Keys)
		if err != nil {
			return i, fmt.Errorf("catalog: inserting %q: %w", e.Name, err)
		}
		keys += len(e.Keys)
	}
	logger.Info("catalog_seeded", "products", len(f.Products), "keys", keys)
	return len(f.Products), nil
}

// SeedFile parses the catalog at path and seeds it.
func SeedFile(ctx context.Context, cat store.Catalog, path string, logger *slog.Logger) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("catalog: %w", err)
	}
	defer fh.Close()
	f, err := Parse(fh)
	if err != nil {
		return 0, err
	}
	return Seed(ctx, cat, f, logger)
}
