// Package store keeps an audit trail of training runs in SQLite: one row
// per run, the held-out metrics of every candidate and the permutation
// importances computed for the selected model.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// fixed width so that text order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one training run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	BestModel  string
	NSamples   int
	NFeatures  int
	ConfigJSON string
}

// Finished reports whether FinishRun was called for the run.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// Evaluation is the held-out report of one candidate in a run.
type Evaluation struct {
	RunID string
	Model string
	metrics.Report
}

// Importance is the permutation importance of one feature.
type Importance struct {
	Feature string
	Mean    float64
	Std     float64
}

// SQLiteStore provides SQLite-based persistence for runs.
type SQLiteStore struct {
	db     *sql.DB
	logger log.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initialises the schema. MemoryDSN gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == MemoryDSN {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if path == MemoryDSN {
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	s := &SQLiteStore{db: db, logger: log.GetLoggerWithName("store")}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		best_model TEXT NOT NULL DEFAULT '',
		n_samples INTEGER NOT NULL,
		n_features INTEGER NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS evaluations (
		run_id TEXT NOT NULL,
		model TEXT NOT NULL,
		mae REAL NOT NULL,
		rmse REAL NOT NULL,
		r2 REAL NOT NULL,
		mape REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
		UNIQUE(run_id, model)
	);

	CREATE TABLE IF NOT EXISTS importances (
		run_id TEXT NOT NULL,
		feature TEXT NOT NULL,
		mean REAL NOT NULL,
		std REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
		UNIQUE(run_id, feature)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.NewValidationError("run.id", "must not be empty", r.ID)
	}
	if r.ConfigJSON == "" {
		r.ConfigJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, best_model, n_samples, n_features, config_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(timeLayout), r.BestModel, r.NSamples, r.NFeatures, r.ConfigJSON,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create run %s", r.ID)
	}
	s.logger.Debug("Run created", log.RunIDKey, r.ID)
	return nil
}

// FinishRun records the selected model and the finish time.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, bestModel string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET best_model = ?, finished_at = ? WHERE id = ?`,
		bestModel, finishedAt.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewDataNotFoundError("run", id)
	}
	return nil
}

// RecordEvaluation stores or replaces the metrics of model in run runID.
func (s *SQLiteStore) RecordEvaluation(ctx context.Context, runID, model string, r metrics.Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO evaluations (run_id, model, mae, rmse, r2, mape)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, model, r.MAE, r.RMSE, r.R2, r.MAPE,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record evaluation of %s", model)
	}
	return nil
}

// RecordImportances replaces the importances of run runID in one
// transaction.
func (s *SQLiteStore) RecordImportances(ctx context.Context, runID string, imps []Importance) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM importances WHERE run_id = ?`, runID); err != nil {
		return errors.Wrap(err, "failed to clear importances")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO importances (run_id, feature, mean, std) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()
	for _, imp := range imps {
		if _, err = stmt.ExecContext(ctx, runID, imp.Feature, imp.Mean, imp.Std); err != nil {
			return errors.Wrapf(err, "failed to record importance of %s", imp.Feature)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit importances")
	}
	return nil
}

const runColumns = `id, started_at, finished_at, best_model, n_samples, n_features, config_json`

// GetRun returns run id; DataNotFoundError when it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewDataNotFoundError("run", id)
	}
	return r, err
}

// LatestRun returns the most recently started run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewDataNotFoundError("run", "latest")
	}
	return r, err
}

func scanRun(row *sql.Row) (*Run, error) {
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&r.ID, &started, &finished, &r.BestModel, &r.NSamples, &r.NFeatures, &r.ConfigJSON); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, errors.Wrap(err, "invalid started_at")
	}
	if finished.Valid {
		if r.FinishedAt, err = time.Parse(timeLayout, finished.String); err != nil {
			return nil, errors.Wrap(err, "invalid finished_at")
		}
	}
	return &r, nil
}

// ListEvaluations returns the evaluations of run runID in insertion order.
func (s *SQLiteStore) ListEvaluations(ctx context.Context, runID string) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, model, mae, rmse, r2, mape FROM evaluations
		WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query evaluations")
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.RunID, &e.Model, &e.MAE, &e.RMSE, &e.R2, &e.MAPE); err != nil {
			return nil, errors.Wrap(err, "failed to scan evaluation")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListImportances returns the importances of run runID, highest mean first.
func (s *SQLiteStore) ListImportances(ctx context.Context, runID string) ([]Importance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature, mean, std FROM importances
		WHERE run_id = ? ORDER BY mean DESC, feature`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query importances")
	}
	defer rows.Close()

	var out []Importance
	for rows.Next() {
		var imp Importance
		if err := rows.Scan(&imp.Feature, &imp.Mean, &imp.Std); err != nil {
			return nil, errors.Wrap(err, "failed to scan importance")
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}
