// Package postgres is the PostgreSQL inventory and ledger backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"

	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/store"
)

const uniqueViolation = "23505"

// SKIP LOCKED lets concurrent reservations for the same product pick
// different rows instead of queueing behind one another.
const reserveSQL = `
UPDATE keys SET is_used = TRUE
WHERE id = (
	SELECT id FROM keys
	WHERE product_id = $1 AND is_used = FALSE
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
) AND is_used = FALSE
RETURNING id, product_id, secret`

const historySQL = `
SELECT o.id, o.product_id, COALESCE(p.name, ''), COALESCE(k.secret, ''),
       o.amount, o.status, o.created_at
FROM orders o
LEFT JOIN products p ON p.id = o.product_id
LEFT JOIN keys k ON k.id = o.key_id
WHERE o.buyer_id = $1
ORDER BY o.created_at DESC, o.id DESC`

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// Open connects, pings and migrates the database at dsn.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("postgres_connected")
	return &Store{db: db, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id          BIGSERIAL PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price       BIGINT NOT NULL CHECK (price > 0),
			category    TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS keys (
			id         BIGSERIAL PRIMARY KEY,
			product_id BIGINT NOT NULL REFERENCES products(id),
			secret     TEXT NOT NULL UNIQUE,
			is_used    BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS keys_product_unused ON keys(product_id, id) WHERE is_used = FALSE;

		CREATE TABLE IF NOT EXISTS orders (
			id          BIGSERIAL PRIMARY KEY,
			buyer_id    BIGINT NOT NULL,
			product_id  BIGINT NOT NULL,
			key_id      BIGINT REFERENCES keys(id),
			amount      BIGINT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'new',
			payment_ref TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS orders_buyer ON orders(buyer_id, created_at DESC);
	`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT category FROM products ORDER BY category")
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListProducts(ctx context.Context, category string) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, price, category FROM products WHERE category = $1 ORDER BY id", category)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()
	out := []model.Product{}
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id int64) (model.Product, error) {
	var p model.Product
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, price, category FROM products WHERE id = $1", id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Product{}, model.ErrProductNotFound
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("failed to query product %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) AvailableKeys(ctx context.Context, productID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM keys WHERE product_id = $1 AND is_used = FALSE", productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count keys for %d: %w", productID, err)
	}
	return n, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ReserveKey(ctx context.Context, productID int64) (model.Key, error) {
	return reserveOn(ctx, s.db, productID)
}

// Allocate reserves a key and inserts the order in one transaction.
func (s *Store) Allocate(ctx context.Context, o model.Order) (model.Key, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Key{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	k, err := reserveOn(ctx, tx, o.ProductID)
	if err != nil {
		return model.Key{}, 0, err
	}
	o.KeyID = &k.ID
	id, err := insertOrder(ctx, tx, o)
	if err != nil {
		return model.Key{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return model.Key{}, 0, fmt.Errorf("failed to commit allocation for %d: %w", o.ProductID, err)
	}
	return k, id, nil
}

func reserveOn(ctx context.Context, q queryer, productID int64) (model.Key, error) {
	for attempt := 0; ; attempt++ {
		k := model.Key{Used: true}
		err := q.QueryRowContext(ctx, reserveSQL, productID).Scan(&k.ID, &k.ProductID, &k.Secret)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Key{}, fmt.Errorf("failed to reserve key for %d: %w", productID, err)
		}
		// SKIP LOCKED hides rows held by in-flight reservations that may
		// still roll back; only report exhaustion once none are left.
		var n int
		err = q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM keys WHERE product_id = $1 AND is_used = FALSE", productID).Scan(&n)
		if err != nil {
			return model.Key{}, fmt.Errorf("failed to count keys for %d: %w", productID, err)
		}
		if n == 0 {
			return model.Key{}, model.ErrOutOfStock
		}
		select {
		case <-ctx.Done():
			return model.Key{}, ctx.Err()
		case <-time.After(reserveBackoff(attempt)):
		}
	}
}

// reserveBackoff grows from 1ms to 32ms and adds up to the same again as
// jitter, so waiters behind a locked row do not retry in lockstep.
func reserveBackoff(attempt int) time.Duration {
	base := time.Millisecond << min(attempt, 5)
	return base + rand.N(base)
}

func (s *Store) ProductCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

func (s *Store) InsertProduct(ctx context.Context, p model.Product, secrets []string) (model.Product, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Product{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.ID != 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO products (id, name, description, price, category) VALUES ($1, $2, $3, $4, $5)",
			p.ID, p.Name, p.Description, p.Price, p.Category)
		if err == nil {
			// keep the sequence ahead of explicitly chosen ids
			_, err = tx.ExecContext(ctx,
				"SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))")
		}
	} else {
		err = tx.QueryRowContext(ctx,
			"INSERT INTO products (name, description, price, category) VALUES ($1, $2, $3, $4) RETURNING id",
			p.Name, p.Description, p.Price, p.Category).Scan(&p.ID)
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("failed to insert product %q: %w", p.Name, err)
	}

	for _, sec := range secrets {
		if _, err := tx.ExecContext(ctx, "INSERT INTO keys (product_id, secret) VALUES ($1, $2)", p.ID, sec); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return model.Product{}, fmt.Errorf("key secret for product %d is not unique: %w", p.ID, err)
			}
			return model.Product{}, fmt.Errorf("failed to insert key for product %d: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Product{}, fmt.Errorf("failed to commit product %q: %w", p.Name, err)
	}
	return p, nil
}

func (s *Store) Record(ctx context.Context, o model.Order) (int64, error) {
	return insertOrder(ctx, s.db, o)
}

func insertOrder(ctx context.Context, q queryer, o model.Order) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	status := o.Status
	if status == "" {
		status = model.OrderNew
	}
	var keyID sql.NullInt64
	if o.KeyID != nil {
		keyID = sql.NullInt64{Int64: *o.KeyID, Valid: true}
	}
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO orders (buyer_id, product_id, key_id, amount, status, payment_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		o.BuyerID, o.ProductID, keyID, o.Amount, string(status), o.PaymentRef, o.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record order: %w", err)
	}
	return id, nil
}

func (s *Store) History(ctx context.Context, buyerID int64) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, historySQL, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	out := []model.HistoryEntry{}
	for rows.Next() {
		var (
			e      model.HistoryEntry
			status string
		)
		if err := rows.Scan(&e.OrderID, &e.ProductID, &e.ProductName, &e.KeySecret, &e.Amount, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.Status = model.OrderStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
