package purchasesdb

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect captures the SQL differences between the supported drivers.
// Queries are written with $N placeholders and rebound for MySQL.
type Dialect struct {
	Name   string
	Driver string
	schema []string
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "pgx", schema: postgresSchema}
	MySQL    = Dialect{Name: "mysql", Driver: "mysql", schema: mysqlSchema}
)

// DialectFor resolves a STORE_DRIVER value.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported store driver %q", driver)
}

// DSN normalizes a connection string for the driver. MySQL connections always
// scan DATETIME columns into time.Time and read them as UTC.
func (d Dialect) DSN(raw string) (string, error) {
	if d.Name != MySQL.Name {
		return raw, nil
	}
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

var placeholder = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders into the driver's bind syntax.
// Arguments must be passed in placeholder order.
func (d Dialect) Rebind(query string) string {
	if d.Name != MySQL.Name {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// insertIgnore returns an INSERT that silently skips rows violating the key.
func (d Dialect) insertIgnore(table, columns, values, key string) string {
	if d.Name == MySQL.Name {
		return d.Rebind(fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, values))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING", table, columns, values, key)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS purchase_states (
		correlation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		purchase_total DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		reserved_items_transaction_id TEXT,
		payment_correlation_id TEXT,
		bill_id TEXT,
		error_reason TEXT,
		compensated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_outbox (
		seq BIGSERIAL PRIMARY KEY,
		message_id TEXT UNIQUE NOT NULL,
		correlation_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		deliver_at TIMESTAMPTZ,
		occurred_at TIMESTAMPTZ NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS purchase_outbox_pending ON purchase_outbox (seq) WHERE dispatched_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS catalog_items (
		item_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS purchase_states (
		correlation_id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		item_id VARCHAR(64) NOT NULL,
		quantity INT NOT NULL,
		purchase_total DOUBLE NOT NULL,
		status VARCHAR(32) NOT NULL,
		reserved_items_transaction_id VARCHAR(64) NULL,
		payment_correlation_id VARCHAR(64) NULL,
		bill_id VARCHAR(64) NULL,
		error_reason TEXT NULL,
		compensated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL,
		last_updated DATETIME(6) NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_outbox (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		message_id VARCHAR(64) NOT NULL UNIQUE,
		correlation_id VARCHAR(64) NOT NULL,
		message_type VARCHAR(64) NOT NULL,
		payload TEXT NOT NULL,
		deliver_at DATETIME(6) NULL,
		occurred_at DATETIME(6) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		dispatched_at DATETIME(6) NULL,
		INDEX purchase_outbox_pending (dispatched_at, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_items (
		item_id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price DOUBLE NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}
