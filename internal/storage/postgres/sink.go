package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Sink inserts batch rows into a table named after the sink (or an explicit
// table). Columns come from the batch fields; every row of a batch is written
// in one transaction so a failed flush leaves nothing behind.
type Sink struct {
	pool  Pool
	name  string
	table string
}

// NewSink builds a sink. table defaults to name.
func NewSink(pool Pool, name, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if name == "" {
		return nil, fmt.Errorf("sink name is required")
	}
	if table == "" {
		table = name
	}
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, name: name, table: table}, nil
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Flush inserts every row of batch or none of them.
func (s *Sink) Flush(ctx context.Context, batch crawler.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	query, err := insertStatement(s.table, batch.Fields)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	for i, row := range batch.Rows {
		if _, err := tx.Exec(ctx, query, rowArgs(row, len(batch.Fields))...); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert row %d into %s: %w", i, s.table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

func insertStatement(table string, fields []crawler.Field) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("batch for %s has no fields", table)
	}
	cols := make([]string, len(fields))
	params := make([]string, len(fields))
	for i, f := range fields {
		if !validIdentifier.MatchString(f.Name) {
			return "", fmt.Errorf("invalid column name %q", f.Name)
		}
		cols[i] = f.Name
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(params, ", ")), nil
}

// rowArgs pads short rows with NULLs and drops values past the last field.
func rowArgs(row []any, width int) []any {
	args := make([]any, width)
	copy(args, row)
	return args
}
