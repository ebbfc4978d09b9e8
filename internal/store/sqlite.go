package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/mwa-demo/calfit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Foreign keys are enabled on every pooled connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=foreign_keys(1)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	input      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS phase_fits (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	timeblock   INTEGER NOT NULL,
	tile_id     INTEGER NOT NULL,
	soln_idx    INTEGER NOT NULL,
	pol         TEXT NOT NULL,
	outlier     BOOLEAN NOT NULL DEFAULT 0,
	length      REAL,
	intercept   REAL,
	iono_alpha  REAL,
	sigma_resid REAL,
	chi2dof     REAL,
	quality     REAL,
	stderr      REAL,
	PRIMARY KEY (run_id, timeblock, tile_id, pol)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_phase_fits_run_id ON phase_fits(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Ping checks the database file is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return eris.Wrap(err, "sqlite: ping")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, input model.RunInput) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal input")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(inputJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Input:     input,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	return s.transition(ctx, runID, status, nil, nil)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	return s.transition(ctx, runID, model.RunStatusComplete, []string{"result"}, []any{string(resultJSON)})
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, msg string) error {
	return s.transition(ctx, runID, model.RunStatusFailed, []string{"error"}, []any{msg})
}

// transition moves a run to status `to` when its current status allows it,
// also assigning cols to vals.
func (s *SQLiteStore) transition(ctx context.Context, runID string, to model.RunStatus, cols []string, vals []any) error {
	from := to.AllowedFrom()
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: run %s to %s", runID, to)
	}

	query := `UPDATE runs SET status = ?, updated_at = ?`
	for _, c := range cols {
		query += `, ` + c + ` = ?`
	}
	query += ` WHERE id = ? AND status IN (` + placeholders("?", 1, len(from)) + `)`

	args := append([]any{string(to), time.Now().UTC()}, vals...)
	args = append(args, runID)
	args = append(args, statusArgs(from)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s to %s", runID, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.transitionError(ctx, runID, to)
	}
	return nil
}

func (s *SQLiteStore) transitionError(ctx context.Context, runID string, to model.RunStatus) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: run %s is %s, cannot move to %s", runID, run.Status, to)
}

const sqliteRunColumns = `id, input, status, result, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs iterate")
	}
	return runs, nil
}

// InsertPhaseFits writes fits in one transaction. Rows already stored for
// the same run, timeblock, tile and pol are replaced.
func (s *SQLiteStore) InsertPhaseFits(ctx context.Context, runID string, fits []model.StoredPhaseFit) error {
	if len(fits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin phase fits")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO phase_fits (`+strings.Join(phaseFitColumns, ", ")+`) VALUES (`+
			placeholders("?", 1, len(phaseFitColumns))+`)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare phase fits")
	}
	defer stmt.Close() //nolint:errcheck

	for _, f := range fits {
		if _, err := stmt.ExecContext(ctx, phaseFitValues(runID, f)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert phase fit tile %d %s", f.TileID, f.Pol)
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit phase fits")
	}
	return nil
}

func (s *SQLiteStore) ListPhaseFits(ctx context.Context, runID string, filter FitFilter) ([]model.StoredPhaseFit, error) {
	query := `SELECT ` + strings.Join(phaseFitColumns, ", ") + ` FROM phase_fits WHERE run_id = ?`
	args := []any{runID}

	if filter.Timeblock != nil {
		query += ` AND timeblock = ?`
		args = append(args, *filter.Timeblock)
	}
	if filter.Pol != "" {
		query += ` AND pol = ?`
		args = append(args, string(filter.Pol))
	}
	if filter.OutliersOnly {
		query += ` AND outlier = 1`
	}
	query += ` ORDER BY timeblock, soln_idx, pol`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list phase fits")
	}
	defer rows.Close() //nolint:errcheck

	var fits []model.StoredPhaseFit
	for rows.Next() {
		f, err := scanPhaseFit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phase fit")
		}
		fits = append(fits, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list phase fits iterate")
	}
	return fits, nil
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var inputJSON string
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &inputJSON, &r.Status, &resultJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(inputJSON), &r.Input); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal input")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}
