package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

// Store persists finalized orders to PostgreSQL. The gateway only writes
// here; downstream order fulfillment owns the data.
type Store struct {
	db *sql.DB
}

// OpenStore connects to the order database at connStr and ensures the schema.
func OpenStore(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("order store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("order store ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("order store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			customer_id    TEXT NOT NULL,
			items          JSONB NOT NULL,
			subtotal_cents BIGINT NOT NULL,
			tax_cents      BIGINT NOT NULL,
			total_cents    BIGINT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveFinalized writes a finalized draft as an order row under orderID.
func (s *Store) SaveFinalized(ctx context.Context, orderID, customerID string, d *Draft) error {
	if d.Status() != StatusFinalized {
		return fmt.Errorf("draft for session %s is not finalized", d.SessionID())
	}

	items, err := json.Marshal(d.Items())
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	subtotal, tax, total := d.Totals()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, session_id, customer_id, items, subtotal_cents, tax_cents, total_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		orderID, d.SessionID(), customerID, items, subtotal, tax, total, time.Now().UTC(),
	)
	return err
}

// Record is a persisted order row.
type Record struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	CustomerID    string    `json:"customer_id"`
	Items         []Item    `json:"items"`
	SubtotalCents int64     `json:"subtotal_cents"`
	TaxCents      int64     `json:"tax_cents"`
	TotalCents    int64     `json:"total_cents"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecentByCustomer returns a customer's orders, newest first.
func (s *Store) RecentByCustomer(ctx context.Context, customerID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, customer_id, items, subtotal_cents, tax_cents, total_cents, created_at
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var items []byte
		if err = rows.Scan(&rec.ID, &rec.SessionID, &rec.CustomerID, &items, &rec.SubtotalCents, &rec.TaxCents, &rec.TotalCents, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(items, &rec.Items); err != nil {
			return nil, fmt.Errorf("unmarshal items for order %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
