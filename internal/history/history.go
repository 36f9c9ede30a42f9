// Package history records runs and their per-epoch metrics in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/sqlite" // pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	"id" TEXT PRIMARY KEY,
	"weights_name" TEXT NOT NULL,
	"config" TEXT NOT NULL,
	"started_at" DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs (
	"run_id" TEXT NOT NULL REFERENCES runs(id),
	"epoch" INTEGER NOT NULL,
	"train_loss" REAL NOT NULL,
	"val_loss" REAL NOT NULL,
	"val_miou" REAL NOT NULL,
	"lr" REAL NOT NULL,
	"best" INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);
CREATE TABLE IF NOT EXISTS quantized (
	"run_id" TEXT PRIMARY KEY REFERENCES runs(id),
	"engine" TEXT NOT NULL,
	"calibration_batches" INTEGER NOT NULL,
	"val_loss" REAL NOT NULL,
	"val_miou" REAL NOT NULL
);`

// Store is a run history database.
type Store struct {
	db *sql.DB
}

// Run describes one training run.
type Run struct {
	ID          string
	WeightsName string
	Config      string
	StartedAt   time.Time
}

// Epoch is one reported epoch.
type Epoch struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValMIoU   float64
	LR        float64
	Best      bool
}

// Quantized is the evaluation of the converted model.
type Quantized struct {
	Engine             string
	CalibrationBatches int
	ValLoss            float64
	ValMIoU            float64
}

// Open creates or opens the database at path, creating its directory.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts a run row.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, weights_name, config, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.WeightsName, r.Config, r.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordEpoch stores an epoch report, replacing any earlier row for it.
func (s *Store) RecordEpoch(ctx context.Context, runID string, e Epoch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs(run_id, epoch, train_loss, val_loss, val_miou, lr, best) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.TrainLoss, e.ValLoss, e.ValMIoU, e.LR, e.Best)
	if err != nil {
		return fmt.Errorf("insert epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// RecordQuantized stores the quantized evaluation.
func (s *Store) RecordQuantized(ctx context.Context, runID string, q Quantized) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO quantized(run_id, engine, calibration_batches, val_loss, val_miou) VALUES (?, ?, ?, ?, ?)`,
		runID, q.Engine, q.CalibrationBatches, q.ValLoss, q.ValMIoU)
	if err != nil {
		return fmt.Errorf("insert quantized result: %w", err)
	}
	return nil
}

// Epochs returns the recorded epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, train_loss, val_loss, val_miou, lr, best FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()
	var out []Epoch
	for rows.Next() {
		var e Epoch
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.ValLoss, &e.ValMIoU, &e.LR, &e.Best); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BestEpoch returns the epoch flagged best most recently, if any.
func (s *Store) BestEpoch(ctx context.Context, runID string) (Epoch, bool, error) {
	var e Epoch
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, train_loss, val_loss, val_miou, lr, best FROM epochs WHERE run_id = ? AND best = 1 ORDER BY epoch DESC LIMIT 1`,
		runID).Scan(&e.Epoch, &e.TrainLoss, &e.ValLoss, &e.ValMIoU, &e.LR, &e.Best)
	if err == sql.ErrNoRows {
		return Epoch{}, false, nil
	}
	if err != nil {
		return Epoch{}, false, fmt.Errorf("query best epoch: %w", err)
	}
	return e, true, nil
}
