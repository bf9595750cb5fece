// Package seed creates the sales tables and fills them with synthetic data.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls how much data is generated.
type Config struct {
	Users     int
	Products  int
	Orders    int
	BatchSize int
	Seed      uint64    // Random seed; the same seed produces the same data
	Start     time.Time // First possible order date
	End       time.Time // Order dates fall before this day
}

// DefaultConfig mirrors the demo dataset: 10k users, 1k products, 100k orders in 2023.
func DefaultConfig() Config {
	return Config{
		Users:     10000,
		Products:  1000,
		Orders:    100000,
		BatchSize: 1000,
		Seed:      1,
		Start:     time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func (c *Config) Validate() error {
	if c.Users <= 0 || c.Products <= 0 || c.Orders < 0 {
		return fmt.Errorf("users and products must be positive and orders non-negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if !c.End.After(c.Start) {
		return fmt.Errorf("end date must be after start date")
	}
	return nil
}

// Stats reports what a Seed call wrote.
type Stats struct {
	Skipped        bool // Data was already present
	Users          int64
	Products       int64
	Orders         int64
	SkippedBatches int
}

// Connect creates a pgx pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

var migrations = []struct {
	name string
	sql  string
}{
	{"users table", `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email VARCHAR UNIQUE,
			full_name VARCHAR
		)`},
	{"users email index", `CREATE INDEX IF NOT EXISTS ix_users_email ON users (email)`},
	{"products table", `
		CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			name VARCHAR
		)`},
	{"orders table", `
		CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			date DATE,
			quantity INTEGER,
			amount NUMERIC(10, 2),
			product_id INTEGER REFERENCES products (id),
			user_id INTEGER REFERENCES users (id)
		)`},
	{"orders product index", `CREATE INDEX IF NOT EXISTS ix_orders_product_id ON orders (product_id)`},
	{"orders user index", `CREATE INDEX IF NOT EXISTS ix_orders_user_id ON orders (user_id)`},
}

// Migrate creates the sales tables if they do not exist.
func Migrate(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.name, err)
		}
	}
	log.Info("seed: migrations completed")
	return nil
}

// Seed loads the synthetic dataset. It does nothing when users already exist.
func Seed(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, cfg Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users LIMIT 1)`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check for existing data: %w", err)
	}
	if exists {
		log.Info("seed: fixtures already loaded, skipping")
		return &Stats{Skipped: true}, nil
	}

	gen := NewGenerator(cfg)
	stats := &Stats{}

	n, err := pool.CopyFrom(ctx, pgx.Identifier{"users"}, []string{"id", "email", "full_name"}, pgx.CopyFromRows(gen.Users()))
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	stats.Users = n
	log.Info("seed: users added", "count", n)

	n, err = pool.CopyFrom(ctx, pgx.Identifier{"products"}, []string{"id", "name"}, pgx.CopyFromRows(gen.Products()))
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	stats.Products = n
	log.Info("seed: products added", "count", n)

	orderColumns := []string{"date", "product_id", "quantity", "amount", "user_id"}
	for start := 0; start < cfg.Orders; start += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		size := min(cfg.BatchSize, cfg.Orders-start)
		n, err := pool.CopyFrom(ctx, pgx.Identifier{"orders"}, orderColumns, pgx.CopyFromRows(gen.Orders(size)))
		if err != nil {
			stats.SkippedBatches++
			log.Warn("seed: failed to add order batch, skipping", "from", start+1, "to", start+size, "error", err)
			continue
		}
		stats.Orders += n
		log.Debug("seed: added orders", "from", start+1, "to", start+size)
	}

	// Explicit ids bypass the serial sequences.
	for _, table := range []string{"users", "products"} {
		if _, err := pool.Exec(ctx, fmt.Sprintf(
			`SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))`, table, table)); err != nil {
			return stats, fmt.Errorf("failed to reset %s sequence: %w", table, err)
		}
	}

	log.Info("seed: fixtures loaded", "users", stats.Users, "products", stats.Products, "orders", stats.Orders, "skippedBatches", stats.SkippedBatches)
	return stats, nil
}
