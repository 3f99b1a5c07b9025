// Package storage persists the order and fill history in SQLite so a
// restarted process can reconcile against what it last knew and so fill
// volume survives crashes.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/glebarez/go-sqlite"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
)

// Journal is an append-mostly SQLite log of order placements, status
// transitions and fills.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal database with WAL mode enabled.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			client_order_id   TEXT PRIMARY KEY,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			symbol            TEXT NOT NULL,
			side              TEXT NOT NULL,
			price             TEXT NOT NULL,
			amount            TEXT NOT NULL,
			reduce_only       INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL,
			side            TEXT NOT NULL,
			price           TEXT NOT NULL,
			amount          TEXT NOT NULL,
			filled_at       INTEGER NOT NULL,
			FOREIGN KEY (client_order_id) REFERENCES orders(client_order_id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create fills table: %w", err)
	}

	return &Journal{db: db}, nil
}

// RecordOrder upserts the order row. Called on placement and whenever the
// exchange assigns or changes identifying fields.
func (j *Journal) RecordOrder(o domain.Order) error {
	_, err := j.db.Exec(`
		INSERT INTO orders (client_order_id, exchange_order_id, symbol, side, price, amount, reduce_only, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id=excluded.exchange_order_id,
			status=excluded.status,
			updated_at=excluded.updated_at`,
		o.ClientOrderID, o.ExchangeOrderID, o.Symbol, string(o.Side),
		o.Price.String(), o.Amount.String(), boolToInt(o.ReduceOnly),
		string(o.Status), o.CreatedAt.UnixMilli(), o.LastTouchedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// RecordOrderStatus updates the lifecycle state of a previously recorded
// order. Unknown orders are ignored rather than failed: a status event can
// race the placement write during reconciliation.
func (j *Journal) RecordOrderStatus(clientOrderID string, status domain.Status, at time.Time) error {
	_, err := j.db.Exec(
		"UPDATE orders SET status = ?, updated_at = ? WHERE client_order_id = ?",
		string(status), at.UnixMilli(), clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to record status for %s: %w", clientOrderID, err)
	}
	return nil
}

// RecordFill appends one fill row.
func (j *Journal) RecordFill(clientOrderID string, side domain.Side, price, amount decimal.Decimal, at time.Time) error {
	_, err := j.db.Exec(
		"INSERT INTO fills (client_order_id, side, price, amount, filled_at) VALUES (?, ?, ?, ?, ?)",
		clientOrderID, string(side), price.String(), amount.String(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record fill for %s: %w", clientOrderID, err)
	}
	return nil
}

// OpenClientOrderIDs returns the client ids of orders last seen in a
// non-terminal state. Used at startup to reconcile against the venue's open
// orders snapshot.
func (j *Journal) OpenClientOrderIDs() ([]string, error) {
	rows, err := j.db.Query(
		"SELECT client_order_id FROM orders WHERE status NOT IN (?, ?, ?) ORDER BY created_at ASC",
		string(domain.StatusFilled), string(domain.StatusCancelled), string(domain.StatusRejected),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

// VolumeSince sums the filled notional (price * amount) of all fills at or
// after the given time.
func (j *Journal) VolumeSince(since time.Time) (decimal.Decimal, error) {
	rows, err := j.db.Query(
		"SELECT price, amount FROM fills WHERE filled_at >= ?",
		since.UnixMilli(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var priceStr, amountStr string
		if err := rows.Scan(&priceStr, &amountStr); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan fill: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt fill price %q: %w", priceStr, err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt fill amount %q: %w", amountStr, err)
		}
		total = total.Add(price.Mul(amount))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("rows iteration error: %w", err)
	}
	return total, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
