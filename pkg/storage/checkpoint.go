// Package storage keeps a SQLite checkpoint of the live order set so a
// restarted process knows which orders it may still have resting.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"

	_ "github.com/glebarez/go-sqlite"
)

// Checkpoint is what was last saved for one exchange and symbol.
type Checkpoint struct {
	Exchange string
	Symbol   string
	Orders   []models.WorkingOrder
	Position *models.Position
	SavedAt  time.Time
}

// Checkpointer saves live order views to SQLite. Each Save replaces the
// previous checkpoint of the same exchange and symbol.
type Checkpointer struct {
	db    *sql.DB
	clock func() time.Time
}

func NewCheckpointer(path string) (*Checkpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps in-memory databases shared across calls.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS working_orders (
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			order_key TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (exchange, symbol, order_key)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create working_orders table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			payload BLOB NOT NULL,
			saved_at INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create positions table: %w", err)
	}

	return &Checkpointer{db: db, clock: time.Now}, nil
}

// Save stores the acknowledged orders and the position of v. In-flight
// creates are left out; the first poll after a restart settles them.
func (c *Checkpointer) Save(ctx context.Context, v liveorders.View) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM working_orders WHERE exchange = ? AND symbol = ?",
		v.Exchange, v.Symbol,
	); err != nil {
		return fmt.Errorf("failed to clear orders: %w", err)
	}

	for _, o := range v.Orders {
		if o.InFlight || o.ExchangeOrderID == "" {
			continue
		}
		payload, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", o.ExchangeOrderID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO working_orders (exchange, symbol, order_key, payload) VALUES (?, ?, ?, ?)",
			v.Exchange, v.Symbol, o.ExchangeOrderID, payload,
		); err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.ExchangeOrderID, err)
		}
	}

	payload, err := json.Marshal(v.Position)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO positions (exchange, symbol, payload, saved_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(exchange, symbol) DO UPDATE SET payload=excluded.payload, saved_at=excluded.saved_at",
		v.Exchange, v.Symbol, payload, c.clock().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Load returns the last checkpoint of exchange and symbol. A missing
// checkpoint is not an error: the result has no orders and a nil Position.
func (c *Checkpointer) Load(ctx context.Context, exchange, symbol string) (Checkpoint, error) {
	cp := Checkpoint{Exchange: exchange, Symbol: symbol}

	rows, err := c.db.QueryContext(ctx,
		"SELECT payload FROM working_orders WHERE exchange = ? AND symbol = ? ORDER BY order_key",
		exchange, symbol,
	)
	if err != nil {
		return cp, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return cp, fmt.Errorf("failed to scan order: %w", err)
		}
		var o models.WorkingOrder
		if err := json.Unmarshal(payload, &o); err != nil {
			return cp, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		cp.Orders = append(cp.Orders, o)
	}
	if err := rows.Err(); err != nil {
		return cp, fmt.Errorf("rows iteration error: %w", err)
	}

	var payload []byte
	var savedAt int64
	err = c.db.QueryRowContext(ctx,
		"SELECT payload, saved_at FROM positions WHERE exchange = ? AND symbol = ?",
		exchange, symbol,
	).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("failed to query position: %w", err)
	}
	var pos models.Position
	if err := json.Unmarshal(payload, &pos); err != nil {
		return cp, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	cp.Position = &pos
	cp.SavedAt = time.Unix(0, savedAt)
	return cp, nil
}

// Restore seeds set with the last checkpoint of its exchange and symbol.
// Restored entries stay unconfirmed until the first poll.
func (c *Checkpointer) Restore(ctx context.Context, set *liveorders.Set, exchange, symbol string) (Checkpoint, error) {
	cp, err := c.Load(ctx, exchange, symbol)
	if err != nil {
		return cp, err
	}
	if len(cp.Orders) == 0 && cp.Position == nil {
		return cp, nil
	}
	if err := set.Restore(ctx, cp.Orders, cp.Position); err != nil {
		return cp, fmt.Errorf("failed to restore live orders: %w", err)
	}
	return cp, nil
}

func (c *Checkpointer) Close() error {
	return c.db.Close()
}
