package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/localrank/internal/db"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres opens a pool and wraps it in a PostgresStore.
func NewPostgres(ctx context.Context, connString string, tune db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, tune)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	plan       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	business_name TEXT NOT NULL,
	target_domain TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_projects_account ON projects(account_id) WHERE active;

CREATE TABLE IF NOT EXISTS quota_ledgers (
	account_id       TEXT NOT NULL,
	meter            TEXT NOT NULL,
	checks_used      INTEGER NOT NULL DEFAULT 0,
	checks_allowed   INTEGER NOT NULL DEFAULT 0,
	checks_purchased INTEGER NOT NULL DEFAULT 0,
	reset_at         TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, meter)
);

CREATE TABLE IF NOT EXISTS heatmap_scans (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL DEFAULT '',
	project_id          TEXT NOT NULL,
	keyword_combination TEXT NOT NULL,
	grid_size           INTEGER NOT NULL,
	radius_km           DOUBLE PRECISION NOT NULL,
	center_lat          DOUBLE PRECISION NOT NULL,
	center_lng          DOUBLE PRECISION NOT NULL,
	layout              TEXT NOT NULL DEFAULT 'square',
	average_position    INTEGER NOT NULL,
	ranked_count        INTEGER NOT NULL,
	not_ranked_count    INTEGER NOT NULL,
	partial             BOOLEAN NOT NULL DEFAULT false,
	truncated           BOOLEAN NOT NULL DEFAULT false,
	points_requested    INTEGER NOT NULL,
	points_checked      INTEGER NOT NULL,
	provider_calls      INTEGER NOT NULL,
	cost_usd            NUMERIC(12,4) NOT NULL DEFAULT 0,
	summary             JSONB NOT NULL,
	scanned_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heatmap_scans_project ON heatmap_scans(project_id, keyword_combination, scanned_at DESC);

CREATE TABLE IF NOT EXISTS heatmap_grid_cells (
	project_id          TEXT NOT NULL,
	keyword_combination TEXT NOT NULL,
	x                   INTEGER NOT NULL,
	y                   INTEGER NOT NULL,
	latitude            DOUBLE PRECISION NOT NULL,
	longitude           DOUBLE PRECISION NOT NULL,
	position            INTEGER,
	business_count      INTEGER,
	status              TEXT NOT NULL,
	matched_title       TEXT NOT NULL DEFAULT '',
	scan_id             TEXT NOT NULL,
	location_ewkb       BYTEA NOT NULL,
	scanned_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project_id, keyword_combination, x, y)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Accounts and projects ---

func (s *PostgresStore) UpsertAccount(ctx context.Context, accountID, plan string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, plan) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan`,
		accountID, plan,
	)
	return eris.Wrapf(err, "postgres: upsert account %s", accountID)
}

func (s *PostgresStore) UpsertProject(ctx context.Context, p heatmap.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, account_id, business_name, target_domain, active) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET account_id = EXCLUDED.account_id, business_name = EXCLUDED.business_name,
			target_domain = EXCLUDED.target_domain, active = EXCLUDED.active`,
		p.ID, p.AccountID, p.BusinessName, p.TargetDomain, p.Active,
	)
	return eris.Wrapf(err, "postgres: upsert project %s", p.ID)
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (heatmap.Project, error) {
	var p heatmap.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, business_name, target_domain, active FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.BusinessName, &p.TargetDomain, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return heatmap.Project{}, eris.Wrapf(heatmap.ErrProjectNotFound, "project %s", id)
	}
	if err != nil {
		return heatmap.Project{}, eris.Wrapf(err, "postgres: get project %s", id)
	}
	return p, nil
}

func (s *PostgresStore) AccountPlan(ctx context.Context, accountID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan FROM accounts WHERE id = $1`, accountID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: account plan %s", accountID)
	}
	return plan, nil
}

func (s *PostgresStore) CountActiveProjects(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM projects WHERE account_id = $1 AND active`, accountID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count projects %s", accountID)
	}
	return n, nil
}

// --- Quota ledgers ---

const ledgerColumns = `account_id, meter, checks_used, checks_allowed, checks_purchased, reset_at`

func scanLedger(row pgx.Row) (quota.State, error) {
	var st quota.State
	var meter string
	err := row.Scan(&st.AccountID, &meter, &st.Used, &st.Allowed, &st.Purchased, &st.ResetAt)
	st.Meter = quota.Meter(meter)
	st.ResetAt = st.ResetAt.UTC()
	return st, err
}

func (s *PostgresStore) EnsureLedger(ctx context.Context, accountID string, meter quota.Meter, resetAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_ledgers (account_id, meter, reset_at) VALUES ($1, $2, $3)
		ON CONFLICT (account_id, meter) DO NOTHING`,
		accountID, string(meter), resetAt,
	)
	return eris.Wrapf(err, "postgres: ensure ledger %s/%s", accountID, meter)
}

func (s *PostgresStore) ResetIfDue(ctx context.Context, accountID string, meter quota.Meter, now, next time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quota_ledgers SET
			checks_purchased = GREATEST(checks_purchased - GREATEST(checks_used - checks_allowed, 0), 0),
			checks_used = 0, reset_at = $4, updated_at = now()
		WHERE account_id = $1 AND meter = $2 AND reset_at <= $3`,
		accountID, string(meter), now, next,
	)
	return eris.Wrapf(err, "postgres: reset ledger %s/%s", accountID, meter)
}

func (s *PostgresStore) GetLedger(ctx context.Context, accountID string, meter quota.Meter) (quota.State, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM quota_ledgers WHERE account_id = $1 AND meter = $2`,
		accountID, string(meter),
	))
	if err != nil {
		return quota.State{}, eris.Wrapf(err, "postgres: get ledger %s/%s", accountID, meter)
	}
	return st, nil
}

func (s *PostgresStore) TryConsume(ctx context.Context, accountID string, meter quota.Meter, n, allowed int) (quota.State, bool, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx,
		`UPDATE quota_ledgers SET checks_used = checks_used + $3, checks_allowed = $4, updated_at = now()
		WHERE account_id = $1 AND meter = $2 AND checks_used + $3 <= $4 + checks_purchased
		RETURNING `+ledgerColumns,
		accountID, string(meter), n, allowed,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.State{}, false, nil
	}
	if err != nil {
		return quota.State{}, false, eris.Wrapf(err, "postgres: consume %s/%s", accountID, meter)
	}
	return st, true, nil
}

func (s *PostgresStore) AdjustUsage(ctx context.Context, accountID string, meter quota.Meter, period time.Time, delta int) (quota.State, bool, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx,
		`UPDATE quota_ledgers SET checks_used = GREATEST(checks_used + $3, 0), updated_at = now()
		WHERE account_id = $1 AND meter = $2 AND reset_at = $4
		RETURNING `+ledgerColumns,
		accountID, string(meter), delta, period,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.State{}, false, nil
	}
	if err != nil {
		return quota.State{}, false, eris.Wrapf(err, "postgres: adjust ledger %s/%s", accountID, meter)
	}
	return st, true, nil
}

func (s *PostgresStore) AddPurchased(ctx context.Context, accountID string, meter quota.Meter, n int) (quota.State, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx,
		`UPDATE quota_ledgers SET checks_purchased = checks_purchased + $3, updated_at = now()
		WHERE account_id = $1 AND meter = $2
		RETURNING `+ledgerColumns,
		accountID, string(meter), n,
	))
	if err != nil {
		return quota.State{}, eris.Wrapf(err, "postgres: add purchased %s/%s", accountID, meter)
	}
	return st, nil
}

// --- Scans ---

var gridCellUpsert = db.UpsertConfig{
	Table: "heatmap_grid_cells",
	Columns: []string{
		"project_id", "keyword_combination", "x", "y", "latitude", "longitude",
		"position", "business_count", "status", "matched_title", "scan_id", "location_ewkb", "scanned_at",
	},
	ConflictKeys: []string{"project_id", "keyword_combination", "x", "y"},
}

const insertScanSQL = `INSERT INTO heatmap_scans (
	id, account_id, project_id, keyword_combination, grid_size, radius_km, center_lat, center_lng, layout,
	average_position, ranked_count, not_ranked_count, partial, truncated,
	points_requested, points_checked, provider_calls, cost_usd, summary, scanned_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18::numeric, $19, $20)
ON CONFLICT (id) DO NOTHING`

// SaveScan appends the history row and overwrites the project's grid cells
// in one transaction. Saving a scan that is already stored is a no-op.
func (s *PostgresStore) SaveScan(ctx context.Context, sum *heatmap.ScanSummary) error {
	summaryJSON, err := marshalSummary(sum)
	if err != nil {
		return err
	}
	cells, err := cellRows(sum)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save scan: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, insertScanSQL,
		sum.ID.String(), sum.AccountID, sum.ProjectID, sum.KeywordCombination, sum.GridSize, sum.RadiusKm,
		sum.CenterLat, sum.CenterLng, layoutOrDefault(sum.Layout),
		sum.AveragePosition, sum.RankedCount, sum.NotRankedCount, sum.Partial, sum.Truncated,
		sum.PointsRequested, sum.PointsChecked, sum.ProviderCalls, sum.CostUSD.String(), summaryJSON, sum.ScannedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert scan %s", sum.ID)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	rows := make([][]any, len(cells))
	for i, c := range cells {
		rows[i] = []any{
			sum.ProjectID, sum.KeywordCombination, c.x, c.y, c.lat, c.lng,
			c.position, c.businessCount, c.status, c.matchedTitle, sum.ID.String(), c.ewkb, sum.ScannedAt,
		}
	}
	if _, err := db.UpsertTx(ctx, tx, gridCellUpsert, rows); err != nil {
		return eris.Wrapf(err, "postgres: upsert cells for scan %s", sum.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: save scan: commit")
	}
	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, id uuid.UUID) (*heatmap.ScanSummary, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT summary FROM heatmap_scans WHERE id = $1`, id.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrScanNotFound, "scan %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get scan %s", id)
	}
	return unmarshalSummary(data)
}

func (s *PostgresStore) ListScans(ctx context.Context, f ScanFilter) ([]ScanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, keyword_combination, grid_size, radius_km, average_position,
			ranked_count, not_ranked_count, partial, truncated, provider_calls, cost_usd::text, scanned_at
		FROM heatmap_scans
		WHERE project_id = $1 AND ($2 = '' OR keyword_combination = $2)
		ORDER BY scanned_at DESC
		LIMIT $3`,
		f.ProjectID, f.Keyword, listLimit(f.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scans")
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var (
			r        ScanRecord
			id, cost string
		)
		if err := rows.Scan(&id, &r.ProjectID, &r.KeywordCombination, &r.GridSize, &r.RadiusKm, &r.AveragePosition,
			&r.RankedCount, &r.NotRankedCount, &r.Partial, &r.Truncated, &r.ProviderCalls, &cost, &r.ScannedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history row")
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse scan id %q", id)
		}
		if r.CostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse cost %q", cost)
		}
		r.ScannedAt = r.ScannedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate scans")
}

func (s *PostgresStore) GridCells(ctx context.Context, projectID, keyword string) ([]GridCell, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT x, y, latitude, longitude, position, business_count, status, matched_title, scan_id, scanned_at
		FROM heatmap_grid_cells
		WHERE project_id = $1 AND keyword_combination = $2
		ORDER BY y, x`,
		projectID, keyword,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: grid cells")
	}
	defer rows.Close()

	var out []GridCell
	for rows.Next() {
		var (
			c             GridCell
			position, cnt *int64
			status, id    string
		)
		if err := rows.Scan(&c.X, &c.Y, &c.Latitude, &c.Longitude, &position, &cnt, &status, &c.MatchedTitle, &id, &c.ScannedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan grid cell")
		}
		c.ProjectID = projectID
		c.KeywordCombination = keyword
		c.Position = intPtr(position)
		c.BusinessCount = intPtr(cnt)
		c.Status = heatmap.Status(status)
		c.ScanID, _ = uuid.Parse(id)
		c.ScannedAt = c.ScannedAt.UTC()
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate grid cells")
}

func (s *PostgresStore) ScanStats(ctx context.Context, since time.Time) (ScanStats, error) {
	var (
		st   ScanStats
		cost string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE partial),
			count(*) FILTER (WHERE truncated),
			COALESCE(sum(points_checked), 0),
			COALESCE(sum(provider_calls), 0),
			COALESCE(sum(cost_usd), 0)::text
		FROM heatmap_scans
		WHERE scanned_at >= $1`,
		since.UTC(),
	).Scan(&st.Scans, &st.Partial, &st.Truncated, &st.PointsChecked, &st.ProviderCalls, &cost)
	if err != nil {
		return ScanStats{}, eris.Wrap(err, "postgres: scan stats")
	}
	if st.CostUSD, err = decimal.NewFromString(cost); err != nil {
		return ScanStats{}, eris.Wrapf(err, "postgres: parse cost %q", cost)
	}
	return st, nil
}
