package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"marketplace-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func InitDB(cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction. Any error returned by fn rolls back
// every write fn performed.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		first_name VARCHAR(100) NOT NULL,
		last_name VARCHAR(100) NOT NULL,
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL DEFAULT 'buyer',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS buyers (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT UNIQUE NOT NULL REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS producers (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT UNIQUE NOT NULL REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		producer_id BIGINT NOT NULL REFERENCES producers(id),
		title VARCHAR(255) NOT NULL,
		price NUMERIC(12,2) NOT NULL,
		available_quantity INT NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'Active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS shipping_addresses (
		id BIGSERIAL PRIMARY KEY,
		buyer_id BIGINT NOT NULL REFERENCES buyers(id),
		address_line TEXT NOT NULL,
		city VARCHAR(100) NOT NULL,
		postal_code VARCHAR(20),
		is_default BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS carts (
		id BIGSERIAL PRIMARY KEY,
		buyer_id BIGINT UNIQUE NOT NULL REFERENCES buyers(id),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id BIGSERIAL PRIMARY KEY,
		cart_id BIGINT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES products(id),
		quantity INT NOT NULL CHECK (quantity >= 1),
		price NUMERIC(12,2) NOT NULL,
		subtotal NUMERIC(12,2) NOT NULL,
		UNIQUE (cart_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		buyer_id BIGINT NOT NULL REFERENCES buyers(id),
		shipping_address_id BIGINT NOT NULL REFERENCES shipping_addresses(id),
		order_date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		total_amount NUMERIC(12,2) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'Pending',
		payment_method VARCHAR(30) NOT NULL,
		payment_status VARCHAR(20) NOT NULL DEFAULT 'Pending',
		shipping_cost NUMERIC(12,2) NOT NULL DEFAULT 0,
		delivery_date TIMESTAMP,
		notes TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES products(id),
		quantity INT NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(12,2) NOT NULL,
		subtotal NUMERIC(12,2) NOT NULL,
		producer_notes TEXT,
		buyer_notes TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id),
		amount NUMERIC(12,2) NOT NULL,
		payment_method VARCHAR(30) NOT NULL,
		payment_status VARCHAR(20) NOT NULL DEFAULT 'Pending',
		transaction_id VARCHAR(100),
		payment_date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		payment_details JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id),
		amount NUMERIC(12,2) NOT NULL,
		external_transaction_id VARCHAR(100) UNIQUE NOT NULL,
		payment_method VARCHAR(30) NOT NULL,
		transaction_date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		transaction_type VARCHAR(20) NOT NULL DEFAULT 'Payment',
		status VARCHAR(20) NOT NULL DEFAULT 'Pending',
		details JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		topic VARCHAR(255) NOT NULL,
		started_by BIGINT NOT NULL REFERENCES users(id),
		order_id BIGINT UNIQUE REFERENCES orders(id),
		last_message_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		role VARCHAR(20) NOT NULL,
		joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_read_message_id BIGINT,
		UNIQUE (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		attachments JSONB,
		sent_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		read_at TIMESTAMP,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders (buyer_id, order_date DESC)`,
}
