// Package runlog records run-level training metrics in SQLite: scalar
// series (loss and accuracy curves) keyed by run, plus one summary row per
// finished run with its hyperparameters and best scores.
package runlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
`

const scalarsSchema = `
CREATE TABLE IF NOT EXISTS scalars (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    tag         TEXT NOT NULL,
    epoch       INTEGER NOT NULL,
    value       REAL NOT NULL,
    created_at  TEXT NOT NULL
);
`

const scalarsIndex = `
CREATE INDEX IF NOT EXISTS idx_scalars_lookup ON scalars(run_id, tag, epoch);
`

const summariesSchema = `
CREATE TABLE IF NOT EXISTS summaries (
    run_id         TEXT PRIMARY KEY,
    hparams        TEXT NOT NULL,
    best_accuracy  REAL NOT NULL,
    best_jaccard   REAL NOT NULL,
    created_at     TEXT NOT NULL
);
`

// ScalarPoint is one (epoch, value) sample of a scalar series.
type ScalarPoint struct {
	Epoch int
	Value float64
}

// Logger writes metrics for a single run. It does not own the database
// handle; callers open and close it.
type Logger struct {
	db    *sql.DB
	runID string
}

// NewLogger initializes the schema and registers a new run under name.
func NewLogger(db *sql.DB, name string) (*Logger, error) {
	for _, stmt := range []string{runsSchema, scalarsSchema, scalarsIndex, summariesSchema} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize run log schema: %v", err)
		}
	}

	runID := uuid.NewString()
	_, err := db.Exec(`INSERT INTO runs (id, name, created_at) VALUES (?, ?, ?)`,
		runID, name, time.Now().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to register run: %v", err)
	}

	return &Logger{db: db, runID: runID}, nil
}

// RunID returns this run's identifier.
func (l *Logger) RunID() string {
	return l.runID
}

// LogScalar appends one sample to the named scalar series.
func (l *Logger) LogScalar(tag string, epoch int, value float64) error {
	_, err := l.db.Exec(`
		INSERT INTO scalars (run_id, tag, epoch, value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.runID, tag, epoch, value, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to log scalar %s: %v", tag, err)
	}
	return nil
}

// LogSummary records the run's hyperparameters and final best scores.
func (l *Logger) LogSummary(hparams map[string]float64, bestAccuracy, bestJaccard float64) error {
	encoded, err := json.Marshal(hparams)
	if err != nil {
		return fmt.Errorf("failed to encode hyperparameters: %v", err)
	}

	_, err = l.db.Exec(`
		INSERT OR REPLACE INTO summaries (run_id, hparams, best_accuracy, best_jaccard, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.runID, string(encoded), bestAccuracy, bestJaccard, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to log run summary: %v", err)
	}
	return nil
}

// Scalars returns the named series for this run in epoch order.
func (l *Logger) Scalars(tag string) ([]ScalarPoint, error) {
	rows, err := l.db.Query(`
		SELECT epoch, value FROM scalars
		WHERE run_id = ? AND tag = ?
		ORDER BY epoch, id`,
		l.runID, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query scalars %s: %v", tag, err)
	}
	defer rows.Close()

	var points []ScalarPoint
	for rows.Next() {
		var p ScalarPoint
		if err := rows.Scan(&p.Epoch, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan scalar row: %v", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scalar query failed: %v", err)
	}

	return points, nil
}
