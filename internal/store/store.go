// Package store persists embedding runs to SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run describes one embedding run.
type Run struct {
	ID         string
	CreatedAt  time.Time
	Arch       string
	Checkpoint string
	Method     string
	Perplexity float64
	KL         float64
	NumPoints  int
}

// Point is one embedded sample.
type Point struct {
	Index     int
	Label     int
	Predicted int
	X, Y      float64
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		arch TEXT NOT NULL,
		checkpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		perplexity REAL NOT NULL,
		kl REAL DEFAULT 0,
		num_points INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS points (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		label INTEGER NOT NULL,
		predicted INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_points_label ON points(run_id, label);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SaveRun inserts the run and all its points in one transaction. A run
// without an ID gets a fresh UUID; the stored run is returned.
func (db *DB) SaveRun(ctx context.Context, run Run, points []Point) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.NumPoints = len(points)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, arch, checkpoint, method, perplexity, kl, num_points) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.Arch, run.Checkpoint, run.Method, run.Perplexity, run.KL, run.NumPoints)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points (run_id, idx, label, predicted, x, y) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Run{}, fmt.Errorf("prepare points: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, run.ID, p.Index, p.Label, p.Predicted, p.X, p.Y); err != nil {
			return Run{}, fmt.Errorf("insert point %d: %w", p.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

// GetRun returns the stored run with the given id.
func (db *DB) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, created_at, arch, checkpoint, method, perplexity, kl, num_points FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.CreatedAt, &run.Arch, &run.Checkpoint, &run.Method, &run.Perplexity, &run.KL, &run.NumPoints)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// Points returns the points of a run ordered by index.
func (db *DB) Points(ctx context.Context, runID string) ([]Point, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT idx, label, predicted, x, y FROM points WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Index, &p.Label, &p.Predicted, &p.X, &p.Y); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
