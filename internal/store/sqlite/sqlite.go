// Package sqlite is the SQLite inventory and ledger backend.
//
// Key reservation is a single conditional UPDATE ... RETURNING executed
// inside an IMMEDIATE transaction; Allocate adds the order insert to
// the same transaction. SQLite admits one writer at a time,
// so racing buyers queue on the write lock (bounded by busy_timeout)
// and each reservation observes the previous one's flip.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price       INTEGER NOT NULL CHECK (price > 0),
	category    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS keys (
	id         INTEGER PRIMARY KEY,
	product_id INTEGER NOT NULL REFERENCES products(id),
	secret     TEXT NOT NULL UNIQUE,
	is_used    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS keys_product_unused ON keys(product_id, is_used, id);
CREATE TABLE IF NOT EXISTS orders (
	id          INTEGER PRIMARY KEY,
	buyer_id    INTEGER NOT NULL,
	product_id  INTEGER NOT NULL,
	key_id      INTEGER,
	amount      INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'new',
	payment_ref TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_buyer ON orders(buyer_id, created_at);
`

const reserveSQL = `
UPDATE keys SET is_used = 1
WHERE id = (
	SELECT id FROM keys
	WHERE product_id = ? AND is_used = 0
	ORDER BY id LIMIT 1
) AND is_used = 0
RETURNING id, product_id, secret`

const historySQL = `
SELECT o.id, o.product_id, COALESCE(p.name, ''), COALESCE(k.secret, ''),
       o.amount, o.status, o.created_at
FROM orders o
LEFT JOIN products p ON p.id = o.product_id
LEFT JOIN keys k ON k.id = o.key_id
WHERE o.buyer_id = ?
ORDER BY o.created_at DESC, o.id DESC`

// Config holds the parameters for opening the store.
type Config struct {
	// Path is the database file; it is created if missing.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Store implements store.Backend on a pooled SQLite database.
type Store struct {
	pool   *pool
	logger *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// Open creates the pool and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p, err := openPool(cfg.Path, cfg.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: p, logger: logger}
	conn, err := p.take(ctx)
	if err != nil {
		_ = p.close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	p.put(conn)
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("sqlite store: applying schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.pool.close() }

func (s *Store) Categories(ctx context.Context) ([]string, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)
	out := []string{}
	err = sqlitex.Execute(conn, "SELECT DISTINCT category FROM products ORDER BY category", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: categories: %w", err)
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context, category string) ([]model.Product, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)
	out := []model.Product{}
	err = sqlitex.Execute(conn, "SELECT id, name, description, price, category FROM products WHERE category = ? ORDER BY id", &sqlitex.ExecOptions{
		Args: []any{category},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanProduct(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list products: %w", err)
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (model.Product, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return model.Product{}, err
	}
	defer s.pool.put(conn)
	var (
		p     model.Product
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT id, name, description, price, category FROM products WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p = scanProduct(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return model.Product{}, fmt.Errorf("sqlite store: get product %d: %w", id, err)
	}
	if !found {
		return model.Product{}, model.ErrProductNotFound
	}
	return p, nil
}

func (s *Store) AvailableKeys(ctx context.Context, productID int64) (int, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)
	var n int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM keys WHERE product_id = ? AND is_used = 0", &sqlitex.ExecOptions{
		Args: []any{productID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: available keys %d: %w", productID, err)
	}
	return n, nil
}

// ReserveKey flips the lowest unused key of the product and returns it.
func (s *Store) ReserveKey(ctx context.Context, productID int64) (k model.Key, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return model.Key{}, err
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return model.Key{}, fmt.Errorf("sqlite store: begin reservation: %w", err)
	}
	defer endTx(&err)
	return reserveOn(conn, productID)
}

// Allocate reserves a key and inserts its order in one IMMEDIATE
// transaction. A failed insert rolls the flip back.
func (s *Store) Allocate(ctx context.Context, o model.Order) (k model.Key, id int64, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return model.Key{}, 0, err
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return model.Key{}, 0, fmt.Errorf("sqlite store: begin allocation: %w", err)
	}
	defer endTx(&err)

	k, err = reserveOn(conn, o.ProductID)
	if err != nil {
		return model.Key{}, 0, err
	}
	o.KeyID = &k.ID
	id, err = insertOrder(conn, o)
	if err != nil {
		return model.Key{}, 0, err
	}
	return k, id, nil
}

func reserveOn(conn *sqlite.Conn, productID int64) (model.Key, error) {
	var (
		k     model.Key
		found bool
	)
	err := sqlitex.Execute(conn, reserveSQL, &sqlitex.ExecOptions{
		Args: []any{productID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			k = model.Key{
				ID:        stmt.ColumnInt64(0),
				ProductID: stmt.ColumnInt64(1),
				Secret:    stmt.ColumnText(2),
				Used:      true,
			}
			found = true
			return nil
		},
	})
	if err != nil {
		return model.Key{}, fmt.Errorf("sqlite store: reserve key for %d: %w", productID, err)
	}
	if !found {
		return model.Key{}, model.ErrOutOfStock
	}
	return k, nil
}

func (s *Store) ProductCount(ctx context.Context) (int, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)
	var n int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM products", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: product count: %w", err)
	}
	return n, nil
}

func (s *Store) InsertProduct(ctx context.Context, p model.Product, secrets []string) (_ model.Product, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return model.Product{}, err
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return model.Product{}, fmt.Errorf("sqlite store: begin insert: %w", err)
	}
	defer endTx(&err)

	var idArg any
	if p.ID != 0 {
		idArg = p.ID
	}
	err = sqlitex.Execute(conn, "INSERT INTO products (id, name, description, price, category) VALUES (?, ?, ?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{idArg, p.Name, p.Description, p.Price, p.Category},
	})
	if err != nil {
		return model.Product{}, fmt.Errorf("sqlite store: insert product %q: %w", p.Name, err)
	}
	p.ID = conn.LastInsertRowID()

	for _, sec := range secrets {
		err = sqlitex.Execute(conn, "INSERT INTO keys (product_id, secret) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{p.ID, sec},
		})
		if err != nil {
			if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
				return model.Product{}, fmt.Errorf("sqlite store: key secret for product %d is not unique: %w", p.ID, err)
			}
			return model.Product{}, fmt.Errorf("sqlite store: insert key for product %d: %w", p.ID, err)
		}
	}
	return p, nil
}

func (s *Store) Record(ctx context.Context, o model.Order) (int64, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)
	return insertOrder(conn, o)
}

func insertOrder(conn *sqlite.Conn, o model.Order) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var keyArg any
	if o.KeyID != nil {
		keyArg = *o.KeyID
	}
	status := o.Status
	if status == "" {
		status = model.OrderNew
	}
	err := sqlitex.Execute(conn,
		"INSERT INTO orders (buyer_id, product_id, key_id, amount, status, payment_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{o.BuyerID, o.ProductID, keyArg, o.Amount, string(status), o.PaymentRef, o.CreatedAt.UnixNano()},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: record order: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

func (s *Store) History(ctx context.Context, buyerID int64) ([]model.HistoryEntry, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)
	out := []model.HistoryEntry{}
	err = sqlitex.Execute(conn, historySQL, &sqlitex.ExecOptions{
		Args: []any{buyerID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, model.HistoryEntry{
				OrderID:     stmt.ColumnInt64(0),
				ProductID:   stmt.ColumnInt64(1),
				ProductName: stmt.ColumnText(2),
				KeySecret:   stmt.ColumnText(3),
				Amount:      stmt.ColumnInt64(4),
				Status:      model.OrderStatus(stmt.ColumnText(5)),
				CreatedAt:   time.Unix(0, stmt.ColumnInt64(6)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: history for %d: %w", buyerID, err)
	}
	return out, nil
}

func scanProduct(stmt *sqlite.Stmt) model.Product {
	return model.Product{
		ID:          stmt.ColumnInt64(0),
		Name:        stmt.ColumnText(1),
		Description: stmt.ColumnText(2),
		Price:       stmt.ColumnInt64(3),
		Category:    stmt.ColumnText(4),
	}
}
