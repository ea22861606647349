// Package runs keeps a local history of training and evaluation runs in a
// SQLite database, one row per run plus one row per epoch.
package runs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	model       TEXT NOT NULL,
	phase       TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	epochs      INTEGER NOT NULL DEFAULT 0,
	test_loss   REAL,
	test_acc    REAL
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	epoch      INTEGER NOT NULL,
	train_loss REAL NOT NULL,
	train_acc  REAL NOT NULL,
	val_loss   REAL,
	val_acc    REAL,
	duration_s REAL NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Run identifies one recorded run.
type Run struct {
	ID    string
	Model string
	Phase string
}

// Epoch is one epoch's metrics. Validation fields are optional.
type Epoch struct {
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	ValLoss   *float64
	ValAcc    *float64
	Duration  time.Duration
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "runs: opening database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "runs: applying schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Begin records the start of a run and returns its id.
func (s *Store) Begin(ctx context.Context, model, phase string) (Run, error) {
	r := Run{ID: uuid.NewString(), Model: model, Phase: phase}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, phase, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Model, r.Phase, time.Now().UTC())
	if err != nil {
		return Run{}, errors.Wrap(err, "runs: inserting run")
	}
	return r, nil
}

// RecordEpoch appends one epoch's metrics to the run.
func (s *Store) RecordEpoch(ctx context.Context, runID string, e Epoch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO epochs (run_id, epoch, train_loss, train_acc, val_loss, val_acc, duration_s)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.TrainLoss, e.TrainAcc, e.ValLoss, e.ValAcc, e.Duration.Seconds())
	if err != nil {
		return errors.Wrap(err, "runs: inserting epoch")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET epochs = ? WHERE id = ?`, e.Epoch, runID)
	return errors.Wrap(err, "runs: updating epoch count")
}

// Finish marks the run finished, optionally with test metrics.
func (s *Store) Finish(ctx context.Context, runID string, testLoss, testAcc *float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, test_loss = ?, test_acc = ? WHERE id = ?`,
		time.Now().UTC(), testLoss, testAcc, runID)
	return errors.Wrap(err, "runs: finishing run")
}

// EpochCount returns how many epochs are recorded for the run.
func (s *Store) EpochCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM epochs WHERE run_id = ?`, runID).Scan(&n)
	return n, errors.Wrap(err, "runs: counting epochs")
}
