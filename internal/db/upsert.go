package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, optionally schema qualified
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

func (c UpsertConfig) updateCols() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	keys := make(map[string]bool, len(c.ConflictKeys))
	for _, k := range c.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, col := range c.Columns {
		if !keys[col] {
			cols = append(cols, col)
		}
	}
	return cols
}

// TempTable returns the name of the per-transaction staging table.
func (c UpsertConfig) TempTable() string {
	return "_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")
}

// BulkUpsert copies rows into a temp table and merges them into the target
// with INSERT ... ON CONFLICT DO UPDATE, all inside one transaction.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (n int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx) //nolint:errcheck
		}
	}()

	tmp := pgx.Identifier{cfg.TempTable()}
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		tmp.Sanitize(), identifier(cfg.Table).Sanitize())
	if _, err = tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err = CopyFrom(ctx, tx, cfg.TempTable(), cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func upsertSQL(cfg UpsertConfig) string {
	cols := quoteAndJoin(cfg.Columns)
	var set []string
	for _, col := range cfg.updateCols() {
		q := pgx.Identifier{col}.Sanitize()
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	action := "DO NOTHING"
	if len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		identifier(cfg.Table).Sanitize(), cols, cols,
		pgx.Identifier{cfg.TempTable()}.Sanitize(), quoteAndJoin(cfg.ConflictKeys), action)
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
