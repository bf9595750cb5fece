package querier

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lib/pq"

	"github.com/malbeclabs/sqlagent/pkg/agent/pipeline"
)

const schemaCacheKey = "schema"

// DefaultTables are the tables described to the model.
var DefaultTables = []string{"orders", "products", "users"}

// SchemaFetcherConfig configures a SchemaFetcher.
type SchemaFetcherConfig struct {
	Schema     string        // Database schema; "public" for Postgres, "main" for DuckDB
	Tables     []string      // Tables to describe (default DefaultTables)
	SampleRows int           // Example rows shown per table, 0 to disable
	CacheTTL   time.Duration // How long a description is reused, 0 to disable caching
}

// SchemaFetcher describes the sales tables from information_schema and caches
// the description.
type SchemaFetcher struct {
	log   *slog.Logger
	db    *sql.DB
	cfg   SchemaFetcherConfig
	cache *ttlcache.Cache[string, string]
}

var _ pipeline.SchemaFetcher = (*SchemaFetcher)(nil)

// NewSchemaFetcher creates a new SchemaFetcher.
func NewSchemaFetcher(log *slog.Logger, db *sql.DB, cfg SchemaFetcherConfig) *SchemaFetcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = DefaultTables
	}
	cfg.Tables = slices.Sorted(slices.Values(cfg.Tables))

	f := &SchemaFetcher{log: log, db: db, cfg: cfg}
	if cfg.CacheTTL > 0 {
		// Reads must not extend the TTL or a busy server never refreshes.
		f.cache = ttlcache.New(
			ttlcache.WithTTL[string, string](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
	}
	return f
}

type columnInfo struct {
	Table string
	Name  string
	Type  string
}

type tableSample struct {
	Columns []string
	Rows    [][]string
}

// FetchSchema returns a text description of every configured table.
func (f *SchemaFetcher) FetchSchema(ctx context.Context) (string, error) {
	if f.cache != nil {
		if item := f.cache.Get(schemaCacheKey); item != nil {
			return item.Value(), nil
		}
	}

	columns, err := f.fetchColumns(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch columns: %w", err)
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("no columns found for tables %s in schema %s", strings.Join(f.cfg.Tables, ", "), f.cfg.Schema)
	}

	samples := make(map[string]*tableSample)
	if f.cfg.SampleRows > 0 {
		for _, table := range f.cfg.Tables {
			sample, err := f.fetchSampleRows(ctx, table)
			if err != nil {
				f.log.Warn("querier: failed to fetch sample rows", "table", table, "error", err)
				continue
			}
			samples[table] = sample
		}
	}

	schema := formatSchema(columns, samples)
	if f.cache != nil {
		f.cache.Set(schemaCacheKey, schema, ttlcache.DefaultTTL)
	}
	return schema, nil
}

func (f *SchemaFetcher) fetchColumns(ctx context.Context) ([]columnInfo, error) {
	args := []any{f.cfg.Schema}
	placeholders := make([]string, len(f.cfg.Tables))
	for i, table := range f.cfg.Tables {
		args = append(args, table)
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}

	query := fmt.Sprintf(`
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		  AND table_name IN (%s)
		ORDER BY table_name, ordinal_position`, strings.Join(placeholders, ", "))

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []columnInfo
	for rows.Next() {
		var col columnInfo
		if err := rows.Scan(&col.Table, &col.Name, &col.Type); err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (f *SchemaFetcher) fetchSampleRows(ctx context.Context, table string) (*tableSample, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", pq.QuoteIdentifier(table), f.cfg.SampleRows)

	rows, err := f.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	sample := &tableSample{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatSampleValue(v)
		}
		sample.Rows = append(sample.Rows, row)
	}
	return sample, rows.Err()
}

func formatSampleValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format(time.DateOnly)
		}
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

func formatSchema(columns []columnInfo, samples map[string]*tableSample) string {
	var sb strings.Builder
	currentTable := ""

	writeSample := func(table string) {
		sample, ok := samples[table]
		if !ok || len(sample.Rows) == 0 {
			return
		}
		sb.WriteString("  Sample rows:\n")
		sb.WriteString("    " + strings.Join(sample.Columns, " | ") + "\n")
		for _, row := range sample.Rows {
			sb.WriteString("    " + strings.Join(row, " | ") + "\n")
		}
	}

	for _, col := range columns {
		if col.Table != currentTable {
			if currentTable != "" {
				writeSample(currentTable)
				sb.WriteString("\n")
			}
			currentTable = col.Table
			sb.WriteString(col.Table + ":\n")
		}
		sb.WriteString("  - " + col.Name + " (" + col.Type + ")\n")
	}
	writeSample(currentTable)

	return sb.String()
}
