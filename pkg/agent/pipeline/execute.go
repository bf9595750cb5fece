package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/malbeclabs/sqlagent/pkg/metrics"
)

// ScalarColumn is the column name a bare scalar result is wrapped under.
const ScalarColumn = "result"

// Execute runs a validated statement and normalizes whatever the database
// capability returns into rows.
func (p *Pipeline) Execute(ctx context.Context, sql string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	start := p.clock.Now()
	raw, err := p.cfg.Querier.Query(ctx, sql)
	if err != nil {
		metrics.QueryDuration.WithLabelValues("error").Observe(p.clock.Since(start).Seconds())
		return nil, fmt.Errorf("query failed: %w", err)
	}

	result, err := NormalizeResult(raw)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueryDuration.WithLabelValues(status).Observe(p.clock.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to read query result: %w", err)
	}
	return result, nil
}

// NormalizeResult converts a database capability's return value into a QueryResult.
//
// Row sets ([]Row, []map[string]any) are kept, a Cursor is materialized and
// closed, nil means no rows, and anything else is treated as a scalar and
// wrapped as a single row {"result": v}.
func NormalizeResult(v any) (*QueryResult, error) {
	switch val := v.(type) {
	case nil:
		return &QueryResult{}, nil
	case []Row:
		return &QueryResult{Columns: columnsOf(val), Rows: val}, nil
	case []map[string]any:
		rows := make([]Row, len(val))
		for i, m := range val {
			rows[i] = Row(m)
		}
		return &QueryResult{Columns: columnsOf(rows), Rows: rows}, nil
	case Cursor:
		return materialize(val)
	case []byte:
		return scalarResult(string(val)), nil
	default:
		return scalarResult(val), nil
	}
}

func scalarResult(v any) *QueryResult {
	return &QueryResult{
		Columns: []string{ScalarColumn},
		Rows:    []Row{{ScalarColumn: v}},
	}
}

// materialize reads every row of c keyed by column name and closes it.
func materialize(c Cursor) (*QueryResult, error) {
	defer func() { _ = c.Close() }()

	columns, err := c.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	result := &QueryResult{Columns: columns}
	for c.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := c.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.UTC()
			default:
				row[col] = v
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// columnsOf returns the sorted union of keys across rows. Maps carry no column
// order, so the order is made deterministic.
func columnsOf(rows []Row) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return columns
}
