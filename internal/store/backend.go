// Package store holds the inventory and ledger contracts and the
// in-memory backend. Persistent backends live in the sqlite and
// postgres subpackages.
package store

import (
	"context"

	"github.com/fairyhunter13/keymarket/internal/model"
)

// Inventory is the catalog of products and keys.
//
// ReserveKey must hand any given key to exactly one caller. It returns
// model.ErrOutOfStock when no unused key exists for the product; any
// other error is a storage fault.
type Inventory interface {
	Categories(ctx context.Context) ([]string, error)
	ListProducts(ctx context.Context, category string) ([]model.Product, error)
	GetProduct(ctx context.Context, id int64) (model.Product, error)
	AvailableKeys(ctx context.Context, productID int64) (int, error)
	ReserveKey(ctx context.Context, productID int64) (model.Key, error)
}

// Ledger is the append-only order record.
type Ledger interface {
	Record(ctx context.Context, o model.Order) (int64, error)
	History(ctx context.Context, buyerID int64) ([]model.HistoryEntry, error)
}

// Catalog is the bootstrap write path used when seeding an empty store.
type Catalog interface {
	ProductCount(ctx context.Context) (int, error)
	// InsertProduct adds a product and its key secrets. A zero p.ID is
	// assigned by the backend. Secrets must be unique across all keys.
	InsertProduct(ctx context.Context, p model.Product, secrets []string) (model.Product, error)
}

// Allocator reserves a key and records the fulfilled order for it as
// one unit: if the order cannot be written the key stays unused.
// o.KeyID is ignored and filled from the reserved key. Like ReserveKey
// it returns model.ErrOutOfStock when the product has no unused key,
// and then records nothing.
type Allocator interface {
	Allocate(ctx context.Context, o model.Order) (model.Key, int64, error)
}

// Backend bundles the contracts every storage implementation provides.
type Backend interface {
	Inventory
	Ledger
	Catalog
	Allocator
	Close() error
}
