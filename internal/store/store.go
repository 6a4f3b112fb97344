// Package store keeps a sqlite history of pipeline runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string
	ModelID       string
	Device        string
	InProgress    bool
	ReturnCode    *int
	FailureReason *string
	Started       time.Time
	Stopped       *time.Time
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, model: %q, device: %s, in_progress: %t", r.UUID, r.ModelID, r.Device, r.InProgress))
	if r.ReturnCode != nil {
		sb.WriteString(fmt.Sprintf(", return_code: %d", *r.ReturnCode))
	} else {
		sb.WriteString(", return_code: nil")
	}
	if r.FailureReason != nil {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", *r.FailureReason))
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers of the same file
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			model_id TEXT NOT NULL,
			device TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			return_code INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started INTEGER NOT NULL,
			stopped INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start persists that run is in progress. Starting a run which is still in
// progress is a no-op, a finished run returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, run Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, run.UUID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, run.UUID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, model_id, device, in_progress, started) VALUES (?,?,?,?,?);`,
		run.UUID, run.ModelID, run.Device, true, run.Started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the return code of a run, a non-empty reason is kept as the
// failure reason.
func Finish(ctx context.Context, db *sql.DB, uuid string, code int, reason string, stopped time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var failure *string
	if reason != "" {
		failure = &reason
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			return_code = ?,
			failure_reason = ?,
			stopped = ?
		WHERE uuid = ?;
		`, code, failure, stopped.UnixMilli(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const selectRuns = `SELECT id, uuid, model_id, device, in_progress, return_code, failure_reason, started, stopped FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var (
		row     RunRow
		started int64
		stopped *int64
	)
	err := s.Scan(
		&row.ID,
		&row.UUID,
		&row.ModelID,
		&row.Device,
		&row.InProgress,
		&row.ReturnCode,
		&row.FailureReason,
		&started,
		&stopped,
	)
	if err != nil {
		return RunRow{}, err
	}
	row.Started = time.UnixMilli(started).UTC()
	if stopped != nil {
		t := time.UnixMilli(*stopped).UTC()
		row.Stopped = &t
	}
	return row, nil
}

// Get returns the run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row, err := scanRun(db.QueryRowContext(ctx, selectRuns+` WHERE uuid=?`, uuid))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// List returns up to limit most recent runs, newest first.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx, selectRuns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		row, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
