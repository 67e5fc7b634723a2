// Package catalog stores tenant product records. The answer generator
// feeds them to the model as the official price list; the delivery
// layer resolves card markers against them.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a product id resolves to nothing.
var ErrNotFound = errors.New("product not found")

// Product is one catalog entry for a tenant.
type Product struct {
	ID          string
	OwnerID     string
	Title       string
	Price       int64 // smallest currency unit
	Discount    string
	Description string
	ImageURL    string
	IsPrimary   bool
	UpdatedAt   time.Time
}

// Store persists products in the shared state database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the products table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			title       TEXT NOT NULL,
			price       INTEGER NOT NULL DEFAULT 0,
			discount    TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			image_url   TEXT NOT NULL DEFAULT '',
			is_primary  INTEGER NOT NULL DEFAULT 0,
			updated_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_products_owner ON products(owner_id)`)
	if err != nil {
		return fmt.Errorf("create products table: %w", err)
	}
	return nil
}

// Create inserts a product, assigning an id when absent.
func (s *Store) Create(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, owner_id, title, price, discount, description, image_url, is_primary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Title, p.Price, p.Discount, p.Description, p.ImageURL, p.IsPrimary, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.Title, err)
	}
	return nil
}

// Get returns one product by id.
func (s *Store) Get(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, price, discount, description, image_url, is_primary, updated_at
		FROM products WHERE id = ?`, id)

	var p Product
	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Price, &p.Discount,
		&p.Description, &p.ImageURL, &p.IsPrimary, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return &p, nil
}

// ListByOwner returns up to limit products for a tenant, primary
// products first, then most recently updated.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, price, discount, description, image_url, is_primary, updated_at
		FROM products WHERE owner_id = ?
		ORDER BY is_primary DESC, updated_at DESC
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list products for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Price, &p.Discount,
			&p.Description, &p.ImageURL, &p.IsPrimary, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// Delete removes a product.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	return nil
}
