// Package store persists lots in SQLite. Each mutation runs in its own
// transaction so a crash between broker confirmation and ledger update is
// recoverable by re-running reconciliation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gridbot/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS lots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	level INTEGER NOT NULL,

	buy_order_id TEXT NOT NULL UNIQUE,
	quantity INTEGER NOT NULL,
	purchase_price TEXT NOT NULL,
	sell_target_price TEXT NOT NULL,
	opened_at TEXT NOT NULL,

	status TEXT NOT NULL CHECK(status IN ('OPEN', 'CLOSED')),

	sell_order_id TEXT UNIQUE,
	sell_quantity INTEGER,
	sell_price TEXT,
	sold_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_lots_status ON lots(status);
`

// SQLiteStore implements core.ILotStore.
type SQLiteStore struct {
	db *sql.DB
}

var _ core.ILotStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed initializes) the lot database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// UpsertLot writes a lot's buy half keyed by buy order ID.
func (s *SQLiteStore) UpsertLot(ctx context.Context, lot *core.Lot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	status := "OPEN"
	if lot.Status == core.LotClosed {
		status = "CLOSED"
	}

	query := `
INSERT INTO lots (level, buy_order_id, quantity, purchase_price, sell_target_price, opened_at, status, sell_order_id)
VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))
ON CONFLICT(buy_order_id) DO UPDATE SET
	level = excluded.level,
	quantity = excluded.quantity,
	purchase_price = excluded.purchase_price,
	sell_target_price = excluded.sell_target_price,
	status = excluded.status,
	sell_order_id = excluded.sell_order_id`
	_, err = tx.ExecContext(ctx, query,
		lot.Level, lot.BuyOrderID, lot.Quantity,
		lot.PurchasePrice.String(), lot.SellTargetPrice.String(),
		lot.OpenedAt.UTC().Format(time.RFC3339Nano), status, lot.SellOrderID)
	if err != nil {
		return fmt.Errorf("failed to upsert lot: %w", err)
	}

	return tx.Commit()
}

// AttachSellOrder records the paired sell order ID on an open lot.
func (s *SQLiteStore) AttachSellOrder(ctx context.Context, buyOrderID, sellOrderID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE lots SET sell_order_id = ? WHERE buy_order_id = ? AND status = 'OPEN'`,
		sellOrderID, buyOrderID)
	if err != nil {
		return fmt.Errorf("failed to attach sell order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no open lot with buy order id %s", buyOrderID)
	}

	return tx.Commit()
}

// ArchiveLot marks the lot owning sellOrderID as CLOSED with its sell fill.
func (s *SQLiteStore) ArchiveLot(ctx context.Context, sellOrderID string, sellQty int64, sellPrice decimal.Decimal, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE lots SET status = 'CLOSED', sell_quantity = ?, sell_price = ?, sold_at = ?
WHERE sell_order_id = ? AND status = 'OPEN'`,
		sellQty, sellPrice.String(), at.UTC().Format(time.RFC3339Nano), sellOrderID)
	if err != nil {
		return fmt.Errorf("failed to archive lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no open lot with sell order id %s", sellOrderID)
	}

	return tx.Commit()
}

// LoadOpenLots returns every OPEN lot, lowest level first.
func (s *SQLiteStore) LoadOpenLots(ctx context.Context) ([]*core.Lot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT level, buy_order_id, quantity, purchase_price, sell_target_price, opened_at, COALESCE(sell_order_id, '')
FROM lots WHERE status = 'OPEN' ORDER BY level ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	var lots []*core.Lot
	for rows.Next() {
		var (
			lot       core.Lot
			purchase  string
			target    string
			openedRaw string
		)
		if err := rows.Scan(&lot.Level, &lot.BuyOrderID, &lot.Quantity, &purchase, &target, &openedRaw, &lot.SellOrderID); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}

		lot.PurchasePrice, err = decimal.NewFromString(purchase)
		if err != nil {
			return nil, fmt.Errorf("corrupt purchase price %q: %w", purchase, err)
		}
		lot.SellTargetPrice, err = decimal.NewFromString(target)
		if err != nil {
			return nil, fmt.Errorf("corrupt sell target price %q: %w", target, err)
		}
		lot.OpenedAt, err = time.Parse(time.RFC3339Nano, openedRaw)
		if err != nil {
			return nil, fmt.Errorf("corrupt opened_at %q: %w", openedRaw, err)
		}
		lot.Status = core.LotOpen
		lots = append(lots, &lot)
	}

	return lots, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
