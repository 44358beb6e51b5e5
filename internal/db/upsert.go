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
	Table        string   // target table, optionally schema-qualified
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// UpsertTx bulk-upserts rows inside tx:
// rows are COPYed into a temp table shaped like the target, then merged with
// INSERT ... SELECT ... ON CONFLICT (keys) DO UPDATE. The temp table is
// dropped on commit.
func UpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tempTable := TempTableName(cfg.Table)

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// TempTableName is the staging table UpsertTx creates for table.
func TempTableName(table string) string {
	return fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(table, ".", "_"))
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

// updateColumns defaults to every non-key column.
func (cfg UpsertConfig) updateColumns() []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, c := range cfg.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func upsertSQL(cfg UpsertConfig, tempTable string) string {
	colList := quoteAndJoin(cfg.Columns)
	var sets []string
	for _, col := range cfg.updateColumns() {
		id := pgx.Identifier{col}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	)
}

// sanitizeTable handles schema-qualified table names.
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
