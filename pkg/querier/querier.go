// Package querier runs generated SQL against the sales database and describes
// its schema for the generation prompt.
package querier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/malbeclabs/sqlagent/pkg/agent/pipeline"
	"github.com/malbeclabs/sqlagent/pkg/config"
)

const defaultConnectTimeout = 30 * time.Second

// Open opens a connection pool for cfg and waits until the database answers a
// ping, retrying with exponential backoff.
func Open(ctx context.Context, log *slog.Logger, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			log.Warn("querier: database not ready, retrying", "attempt", attempt)
		}
		attempt++
		return struct{}{}, db.PingContext(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(defaultConnectTimeout))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", cfg.Redacted(), err)
	}

	log.Info("querier: connected to database", "driver", cfg.Driver, "dsn", cfg.Redacted())
	return db, nil
}

// SQLQuerier implements pipeline.Querier over database/sql.
type SQLQuerier struct {
	log      *slog.Logger
	db       *sql.DB
	readOnly bool
}

var _ pipeline.Querier = (*SQLQuerier)(nil)

// New creates a querier. With readOnly set every statement runs inside a
// read-only transaction that is rolled back when the rows are closed.
func New(log *slog.Logger, db *sql.DB, readOnly bool) *SQLQuerier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SQLQuerier{log: log, db: db, readOnly: readOnly}
}

// Query executes sqlText and returns an open cursor over its rows. The caller
// must close it.
func (q *SQLQuerier) Query(ctx context.Context, sqlText string) (any, error) {
	sqlText = strings.TrimSuffix(strings.TrimSpace(sqlText), ";")

	if !q.readOnly {
		rows, err := q.db.QueryContext(ctx, sqlText)
		if err != nil {
			return nil, err
		}
		return rows, nil
	}

	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &txRows{Rows: rows, tx: tx}, nil
}

// Ping reports whether the database is reachable.
func (q *SQLQuerier) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// txRows ends its transaction when closed.
type txRows struct {
	*sql.Rows
	tx *sql.Tx
}

func (r *txRows) Close() error {
	err := r.Rows.Close()
	if rbErr := r.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return errors.Join(err, rbErr)
	}
	return err
}
