package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Decimals are stored as TEXT and timestamps as unix milliseconds so the same
// schema runs on sqlite and postgres without float rounding.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
    exchange_order_id TEXT PRIMARY KEY,
    client_order_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    status TEXT NOT NULL,
    price TEXT NOT NULL DEFAULT '0',
    trigger_price TEXT NOT NULL DEFAULT '0',
    quantity TEXT NOT NULL DEFAULT '0',
    cumulative_quantity TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    order_role TEXT NOT NULL DEFAULT '',
    parent_order_id TEXT NOT NULL DEFAULT '',
    oco_group_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_created ON orders(symbol, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_oco ON orders(oco_group_id)`,
	`CREATE TABLE IF NOT EXISTS balances (
    asset TEXT PRIMARY KEY,
    free TEXT NOT NULL DEFAULT '0',
    locked TEXT NOT NULL DEFAULT '0',
    total TEXT NOT NULL DEFAULT '0',
    updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS processed_orders (
    order_id TEXT PRIMARY KEY,
    seen_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS variant_preferences (
    symbol TEXT NOT NULL,
    order_type TEXT NOT NULL,
    proxy_mode INTEGER NOT NULL,
    variant_id TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (symbol, order_type, proxy_mode)
)`,
	`CREATE TABLE IF NOT EXISTS oco_events (
    filled_order_id TEXT PRIMARY KEY,
    sibling_order_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
)`,
}

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	ctx := context.Background()
	if d.Driver == DriverSQLite {
		if _, err := d.DB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("set journal mode: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Lightweight, idempotent migrations for older DB files.
	if d.Driver == DriverSQLite {
		if err := ensureColumn(d.DB, "orders", "oco_group_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
