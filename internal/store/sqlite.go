package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: pragmas are per connection and writers are serialised.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	plan       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	business_name TEXT NOT NULL,
	target_domain TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_projects_account ON projects(account_id);

CREATE TABLE IF NOT EXISTS quota_ledgers (
	account_id       TEXT NOT NULL,
	meter            TEXT NOT NULL,
	checks_used      INTEGER NOT NULL DEFAULT 0,
	checks_allowed   INTEGER NOT NULL DEFAULT 0,
	checks_purchased INTEGER NOT NULL DEFAULT 0,
	reset_at         INTEGER NOT NULL,
	PRIMARY KEY (account_id, meter)
);

CREATE TABLE IF NOT EXISTS heatmap_scans (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL DEFAULT '',
	project_id          TEXT NOT NULL,
	keyword_combination TEXT NOT NULL,
	grid_size           INTEGER NOT NULL,
	radius_km           REAL NOT NULL,
	center_lat          REAL NOT NULL,
	center_lng          REAL NOT NULL,
	layout              TEXT NOT NULL DEFAULT 'square',
	average_position    INTEGER NOT NULL,
	ranked_count        INTEGER NOT NULL,
	not_ranked_count    INTEGER NOT NULL,
	partial             INTEGER NOT NULL DEFAULT 0,
	truncated           INTEGER NOT NULL DEFAULT 0,
	points_requested    INTEGER NOT NULL,
	points_checked      INTEGER NOT NULL,
	provider_calls      INTEGER NOT NULL,
	cost_usd            TEXT NOT NULL DEFAULT '0',
	summary             TEXT NOT NULL,
	scanned_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heatmap_scans_project ON heatmap_scans(project_id, keyword_combination, scanned_at);

CREATE TABLE IF NOT EXISTS heatmap_grid_cells (
	project_id          TEXT NOT NULL,
	keyword_combination TEXT NOT NULL,
	x                   INTEGER NOT NULL,
	y                   INTEGER NOT NULL,
	latitude            REAL NOT NULL,
	longitude           REAL NOT NULL,
	position            INTEGER,
	business_count      INTEGER,
	status              TEXT NOT NULL,
	matched_title       TEXT NOT NULL DEFAULT '',
	scan_id             TEXT NOT NULL,
	location_ewkb       BLOB NOT NULL,
	scanned_at          INTEGER NOT NULL,
	PRIMARY KEY (project_id, keyword_combination, x, y)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// --- Accounts and projects ---

func (s *SQLiteStore) UpsertAccount(ctx context.Context, accountID, plan string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, plan) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET plan = excluded.plan`,
		accountID, plan,
	)
	return eris.Wrapf(err, "sqlite: upsert account %s", accountID)
}

func (s *SQLiteStore) UpsertProject(ctx context.Context, p heatmap.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, account_id, business_name, target_domain, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET account_id = excluded.account_id, business_name = excluded.business_name,
			target_domain = excluded.target_domain, active = excluded.active`,
		p.ID, p.AccountID, p.BusinessName, p.TargetDomain, p.Active,
	)
	return eris.Wrapf(err, "sqlite: upsert project %s", p.ID)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (heatmap.Project, error) {
	var p heatmap.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, business_name, target_domain, active FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.AccountID, &p.BusinessName, &p.TargetDomain, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return heatmap.Project{}, eris.Wrapf(heatmap.ErrProjectNotFound, "project %s", id)
	}
	if err != nil {
		return heatmap.Project{}, eris.Wrapf(err, "sqlite: get project %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) AccountPlan(ctx context.Context, accountID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM accounts WHERE id = ?`, accountID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: account plan %s", accountID)
	}
	return plan, nil
}

func (s *SQLiteStore) CountActiveProjects(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM projects WHERE account_id = ? AND active = 1`, accountID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count projects %s", accountID)
	}
	return n, nil
}

// --- Quota ledgers ---

const sqliteLedgerColumns = `account_id, meter, checks_used, checks_allowed, checks_purchased, reset_at`

func scanSQLiteLedger(row *sql.Row) (quota.State, error) {
	var (
		st      quota.State
		meter   string
		resetAt int64
	)
	err := row.Scan(&st.AccountID, &meter, &st.Used, &st.Allowed, &st.Purchased, &resetAt)
	st.Meter = quota.Meter(meter)
	st.ResetAt = fromUnixNano(resetAt)
	return st, err
}

func (s *SQLiteStore) EnsureLedger(ctx context.Context, accountID string, meter quota.Meter, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_ledgers (account_id, meter, reset_at) VALUES (?, ?, ?)
		ON CONFLICT (account_id, meter) DO NOTHING`,
		accountID, string(meter), resetAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: ensure ledger %s/%s", accountID, meter)
}

func (s *SQLiteStore) ResetIfDue(ctx context.Context, accountID string, meter quota.Meter, now, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_ledgers SET
			checks_purchased = MAX(checks_purchased - MAX(checks_used - checks_allowed, 0), 0),
			checks_used = 0, reset_at = ?
		WHERE account_id = ? AND meter = ? AND reset_at <= ?`,
		next.UnixNano(), accountID, string(meter), now.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: reset ledger %s/%s", accountID, meter)
}

func (s *SQLiteStore) GetLedger(ctx context.Context, accountID string, meter quota.Meter) (quota.State, error) {
	st, err := scanSQLiteLedger(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteLedgerColumns+` FROM quota_ledgers WHERE account_id = ? AND meter = ?`,
		accountID, string(meter),
	))
	if err != nil {
		return quota.State{}, eris.Wrapf(err, "sqlite: get ledger %s/%s", accountID, meter)
	}
	return st, nil
}

func (s *SQLiteStore) TryConsume(ctx context.Context, accountID string, meter quota.Meter, n, allowed int) (quota.State, bool, error) {
	st, err := scanSQLiteLedger(s.db.QueryRowContext(ctx,
		`UPDATE quota_ledgers SET checks_used = checks_used + ?, checks_allowed = ?
		WHERE account_id = ? AND meter = ? AND checks_used + ? <= ? + checks_purchased
		RETURNING `+sqliteLedgerColumns,
		n, allowed, accountID, string(meter), n, allowed,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return quota.State{}, false, nil
	}
	if err != nil {
		return quota.State{}, false, eris.Wrapf(err, "sqlite: consume %s/%s", accountID, meter)
	}
	return st, true, nil
}

func (s *SQLiteStore) AdjustUsage(ctx context.Context, accountID string, meter quota.Meter, period time.Time, delta int) (quota.State, bool, error) {
	st, err := scanSQLiteLedger(s.db.QueryRowContext(ctx,
		`UPDATE quota_ledgers SET checks_used = MAX(checks_used + ?, 0)
		WHERE account_id = ? AND meter = ? AND reset_at = ?
		RETURNING `+sqliteLedgerColumns,
		delta, accountID, string(meter), period.UnixNano(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return quota.State{}, false, nil
	}
	if err != nil {
		return quota.State{}, false, eris.Wrapf(err, "sqlite: adjust ledger %s/%s", accountID, meter)
	}
	return st, true, nil
}

func (s *SQLiteStore) AddPurchased(ctx context.Context, accountID string, meter quota.Meter, n int) (quota.State, error) {
	st, err := scanSQLiteLedger(s.db.QueryRowContext(ctx,
		`UPDATE quota_ledgers SET checks_purchased = checks_purchased + ?
		WHERE account_id = ? AND meter = ?
		RETURNING `+sqliteLedgerColumns,
		n, accountID, string(meter),
	))
	if err != nil {
		return quota.State{}, eris.Wrapf(err, "sqlite: add purchased %s/%s", accountID, meter)
	}
	return st, nil
}

// --- Scans ---

const sqliteUpsertCell = `INSERT INTO heatmap_grid_cells (
	project_id, keyword_combination, x, y, latitude, longitude,
	position, business_count, status, matched_title, scan_id, location_ewkb, scanned_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (project_id, keyword_combination, x, y) DO UPDATE SET
	latitude = excluded.latitude,
	longitude = excluded.longitude,
	position = excluded.position,
	business_count = excluded.business_count,
	status = excluded.status,
	matched_title = excluded.matched_title,
	scan_id = excluded.scan_id,
	location_ewkb = excluded.location_ewkb,
	scanned_at = excluded.scanned_at`

// SaveScan appends the history row and overwrites the project's grid cells
// in one transaction. Saving a scan that is already stored is a no-op.
func (s *SQLiteStore) SaveScan(ctx context.Context, sum *heatmap.ScanSummary) error {
	summaryJSON, err := marshalSummary(sum)
	if err != nil {
		return err
	}
	cells, err := cellRows(sum)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save scan: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	scannedAt := sum.ScannedAt.UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO heatmap_scans (
			id, account_id, project_id, keyword_combination, grid_size, radius_km, center_lat, center_lng, layout,
			average_position, ranked_count, not_ranked_count, partial, truncated,
			points_requested, points_checked, provider_calls, cost_usd, summary, scanned_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sum.ID.String(), sum.AccountID, sum.ProjectID, sum.KeywordCombination, sum.GridSize, sum.RadiusKm,
		sum.CenterLat, sum.CenterLng, layoutOrDefault(sum.Layout),
		sum.AveragePosition, sum.RankedCount, sum.NotRankedCount, sum.Partial, sum.Truncated,
		sum.PointsRequested, sum.PointsChecked, sum.ProviderCalls, sum.CostUSD.String(), string(summaryJSON), scannedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert scan %s", sum.ID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: insert scan rows affected")
	} else if n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertCell)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare cell upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, c := range cells {
		if _, err := stmt.ExecContext(ctx,
			sum.ProjectID, sum.KeywordCombination, c.x, c.y, c.lat, c.lng,
			c.position, c.businessCount, c.status, c.matchedTitle, sum.ID.String(), c.ewkb, scannedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert cell (%d,%d)", c.x, c.y)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: save scan: commit")
}

func (s *SQLiteStore) GetScan(ctx context.Context, id uuid.UUID) (*heatmap.ScanSummary, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM heatmap_scans WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrScanNotFound, "scan %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get scan %s", id)
	}
	return unmarshalSummary([]byte(data))
}

func (s *SQLiteStore) ListScans(ctx context.Context, f ScanFilter) ([]ScanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, keyword_combination, grid_size, radius_km, average_position,
			ranked_count, not_ranked_count, partial, truncated, provider_calls, cost_usd, scanned_at
		FROM heatmap_scans
		WHERE project_id = ? AND (? = '' OR keyword_combination = ?)
		ORDER BY scanned_at DESC
		LIMIT ?`,
		f.ProjectID, f.Keyword, f.Keyword, listLimit(f.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scans")
	}
	defer rows.Close() //nolint:errcheck

	var out []ScanRecord
	for rows.Next() {
		var (
			r         ScanRecord
			id, cost  string
			scannedAt int64
		)
		if err := rows.Scan(&id, &r.ProjectID, &r.KeywordCombination, &r.GridSize, &r.RadiusKm, &r.AveragePosition,
			&r.RankedCount, &r.NotRankedCount, &r.Partial, &r.Truncated, &r.ProviderCalls, &cost, &scannedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history row")
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse scan id %q", id)
		}
		if r.CostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse cost %q", cost)
		}
		r.ScannedAt = fromUnixNano(scannedAt)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate scans")
}

func (s *SQLiteStore) GridCells(ctx context.Context, projectID, keyword string) ([]GridCell, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y, latitude, longitude, position, business_count, status, matched_title, scan_id, scanned_at
		FROM heatmap_grid_cells
		WHERE project_id = ? AND keyword_combination = ?
		ORDER BY y, x`,
		projectID, keyword,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: grid cells")
	}
	defer rows.Close() //nolint:errcheck

	var out []GridCell
	for rows.Next() {
		var (
			c             GridCell
			position, cnt sql.NullInt64
			status, id    string
			scannedAt     int64
		)
		if err := rows.Scan(&c.X, &c.Y, &c.Latitude, &c.Longitude, &position, &cnt, &status, &c.MatchedTitle, &id, &scannedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan grid cell")
		}
		c.ProjectID = projectID
		c.KeywordCombination = keyword
		c.Position = nullInt(position)
		c.BusinessCount = nullInt(cnt)
		c.Status = heatmap.Status(status)
		c.ScanID, _ = uuid.Parse(id)
		c.ScannedAt = fromUnixNano(scannedAt)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate grid cells")
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// ScanStats sums in Go because cost_usd is stored as decimal text.
func (s *SQLiteStore) ScanStats(ctx context.Context, since time.Time) (ScanStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partial, truncated, points_checked, provider_calls, cost_usd
		FROM heatmap_scans
		WHERE scanned_at >= ?`,
		since.UnixNano(),
	)
	if err != nil {
		return ScanStats{}, eris.Wrap(err, "sqlite: scan stats")
	}
	defer rows.Close() //nolint:errcheck

	st := ScanStats{CostUSD: decimal.Zero}
	for rows.Next() {
		var (
			partial, truncated bool
			checked, calls     int
			cost               string
		)
		if err := rows.Scan(&partial, &truncated, &checked, &calls, &cost); err != nil {
			return ScanStats{}, eris.Wrap(err, "sqlite: scan stats row")
		}
		c, err := decimal.NewFromString(cost)
		if err != nil {
			return ScanStats{}, eris.Wrapf(err, "sqlite: parse cost %q", cost)
		}
		st.Scans++
		if partial {
			st.Partial++
		}
		if truncated {
			st.Truncated++
		}
		st.PointsChecked += checked
		st.ProviderCalls += calls
		st.CostUSD = st.CostUSD.Add(c)
	}
	return st, eris.Wrap(rows.Err(), "sqlite: iterate scan stats")
}
