package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// DefaultBacklogTable is used when no backlog table is configured.
const DefaultBacklogTable = "cobweb_seeds"

// Backlog leases pending seeds from a Postgres table. Concurrent launchers can
// share a table: leasing uses FOR UPDATE SKIP LOCKED so each seed is handed
// to one reader.
type Backlog struct {
	pool  Pool
	table string
}

// NewBacklog wraps an existing pool.
func NewBacklog(pool Pool, table string) (*Backlog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultBacklogTable
	}
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backlog{pool: pool, table: table}, nil
}

// FetchBatch leases up to limit pending seeds, oldest first.
func (b *Backlog) FetchBatch(ctx context.Context, limit int) ([]crawler.Seed, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
WITH next AS (
	SELECT id FROM %[1]s
	WHERE status = 'pending'
	ORDER BY created_at, id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
), leased AS (
	UPDATE %[1]s AS s
	SET status = 'leased', leased_at = now()
	FROM next
	WHERE s.id = next.id
	RETURNING s.id, s.payload, s.depth, s.attrs, s.created_at
)
SELECT id, payload, depth, attrs FROM leased ORDER BY created_at, id`, b.table)

	rows, err := b.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lease seeds: %w", err)
	}
	defer rows.Close()

	var out []crawler.Seed
	for rows.Next() {
		var (
			seed  crawler.Seed
			attrs []byte
		)
		if err := rows.Scan(&seed.ID, &seed.Payload, &seed.Depth, &attrs); err != nil {
			return nil, fmt.Errorf("scan seed row: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &seed.Attrs); err != nil {
				return nil, fmt.Errorf("decode attrs for seed %s: %w", seed.ID, err)
			}
		}
		out = append(out, seed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seed rows: %w", err)
	}
	return out, nil
}

// Ack records the terminal outcome of leased seeds. Seeds that never came
// from the table (discovered children) match no row and are ignored.
func (b *Backlog) Ack(ctx context.Context, outcome crawler.Outcome, seeds ...crawler.Seed) error {
	ids := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s.ID != "" {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $1, finished_at = now() WHERE id = ANY($2)`, b.table)
	if _, err := b.pool.Exec(ctx, query, string(outcome), ids); err != nil {
		return fmt.Errorf("ack seeds: %w", err)
	}
	return nil
}

// Append inserts seeds as pending in one transaction. Seeds whose ID already
// exists are left untouched. It returns the number of rows inserted.
func (b *Backlog) Append(ctx context.Context, seeds ...crawler.Seed) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, payload, depth, attrs)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, b.table)

	inserted := 0
	for _, s := range seeds {
		if s.ID == "" {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("seed %q has no id", s.Payload)
		}
		attrs, err := json.Marshal(attrsOrEmpty(s.Attrs))
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("encode attrs for seed %s: %w", s.ID, err)
		}
		tag, err := tx.Exec(ctx, query, s.ID, s.Payload, s.Depth, attrs)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("insert seed %s: %w", s.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

func attrsOrEmpty(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}
