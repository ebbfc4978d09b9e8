package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/db"
	"github.com/mwa-demo/calfit/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgRunColumns = `id, input, status, result, error, created_at, updated_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	input      JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS phase_fits (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	timeblock   INTEGER NOT NULL,
	tile_id     INTEGER NOT NULL,
	soln_idx    INTEGER NOT NULL,
	pol         TEXT NOT NULL,
	outlier     BOOLEAN NOT NULL DEFAULT false,
	length      DOUBLE PRECISION,
	intercept   DOUBLE PRECISION,
	iono_alpha  DOUBLE PRECISION,
	sigma_resid DOUBLE PRECISION,
	chi2dof     DOUBLE PRECISION,
	quality     DOUBLE PRECISION,
	stderr      DOUBLE PRECISION,
	PRIMARY KEY (run_id, timeblock, tile_id, pol)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_phase_fits_outlier ON phase_fits(run_id) WHERE outlier;
`

// Ping checks the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	if err != nil {
		return eris.Wrap(err, "postgres: ping")
	}
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, input model.RunInput) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal input")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, input, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, inputJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Input:     input,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	return s.transition(ctx, runID, status, nil, nil)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	return s.transition(ctx, runID, model.RunStatusComplete, []string{"result"}, []any{resultJSON})
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, msg string) error {
	return s.transition(ctx, runID, model.RunStatusFailed, []string{"error"}, []any{msg})
}

func (s *PostgresStore) transition(ctx context.Context, runID string, to model.RunStatus, cols []string, vals []any) error {
	from := to.AllowedFrom()
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: run %s to %s", runID, to)
	}

	query := `UPDATE runs SET status = $1, updated_at = $2`
	argIdx := 3
	for _, c := range cols {
		query += fmt.Sprintf(`, %s = $%d`, c, argIdx)
		argIdx++
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status IN (%s)`, argIdx, placeholders("$", argIdx+1, len(from)))

	args := append([]any{string(to), time.Now().UTC()}, vals...)
	args = append(args, runID)
	args = append(args, statusArgs(from)...)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s to %s", runID, to)
	}
	if tag.RowsAffected() == 0 {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return eris.Wrapf(ErrInvalidTransition, "postgres: run %s is %s, cannot move to %s", runID, run.Status, to)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`,
		runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list runs iterate")
	}
	return runs, nil
}

// InsertPhaseFits upserts fits keyed by run, timeblock, tile and pol.
func (s *PostgresStore) InsertPhaseFits(ctx context.Context, runID string, fits []model.StoredPhaseFit) error {
	rows := make([][]any, len(fits))
	for i, f := range fits {
		rows[i] = phaseFitValues(runID, f)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "phase_fits",
		Columns:      phaseFitColumns,
		ConflictKeys: phaseFitConflictKeys,
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert phase fits for run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListPhaseFits(ctx context.Context, runID string, filter FitFilter) ([]model.StoredPhaseFit, error) {
	query := `SELECT ` + strings.Join(phaseFitColumns, ", ") + ` FROM phase_fits WHERE run_id = $1`
	args := []any{runID}
	argIdx := 2

	if filter.Timeblock != nil {
		query += fmt.Sprintf(` AND timeblock = $%d`, argIdx)
		args = append(args, *filter.Timeblock)
		argIdx++
	}
	if filter.Pol != "" {
		query += fmt.Sprintf(` AND pol = $%d`, argIdx)
		args = append(args, string(filter.Pol))
	}
	if filter.OutliersOnly {
		query += ` AND outlier`
	}
	query += ` ORDER BY timeblock, soln_idx, pol`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list phase fits")
	}
	defer rows.Close()

	var fits []model.StoredPhaseFit
	for rows.Next() {
		f, err := scanPhaseFit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan phase fit")
		}
		fits = append(fits, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list phase fits iterate")
	}
	return fits, nil
}

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var inputJSON []byte
	var resultJSON *[]byte
	var status string

	if err := row.Scan(&r.ID, &inputJSON, &status, &resultJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)

	if err := json.Unmarshal(inputJSON, &r.Input); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal input")
	}
	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}
