package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

const historyColumns = `id, sequence, input_path, output_path, CAST(flags AS TEXT), state,
	failure_kind, exit_code, failure_message, CAST(log AS TEXT), created_at, started_at, ended_at`

// SaveRecord upserts a finished job. Saving the same job twice is harmless.
func (r *Repository) SaveRecord(ctx context.Context, rec domain.JobRecord) error {
	flagsJSON, err := json.Marshal(nonNil(rec.Descriptor.Flags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	logJSON, err := json.Marshal(nonNil(rec.Log))
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	var kind, message sql.NullString
	var exitCode sql.NullInt64
	if rec.Failure != nil {
		kind = sql.NullString{String: string(rec.Failure.Kind), Valid: true}
		exitCode = sql.NullInt64{Int64: int64(rec.Failure.ExitCode), Valid: true}
		message = sql.NullString{String: rec.Failure.Message, Valid: rec.Failure.Message != ""}
	}

	query := `
	INSERT INTO job_history (id, sequence, input_path, output_path, flags, state, failure_kind, exit_code, failure_message, log, created_at, started_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state = excluded.state,
		failure_kind = excluded.failure_kind,
		exit_code = excluded.exit_code,
		failure_message = excluded.failure_message,
		log = excluded.log,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at;
	`
	d := rec.Descriptor
	_, err = r.db.ExecContext(ctx, query,
		string(d.ID), d.Sequence, d.InputPath, d.OutputPath, string(flagsJSON), string(rec.State),
		kind, exitCode, message, string(logJSON),
		d.CreatedAt, nullTime(rec.StartedAt), nullTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", d.ID, err)
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id domain.JobID) (domain.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM job_history WHERE id = ?`, string(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return rec, err
}

// ListRecords returns the newest jobs first; limit <= 0 means all.
func (r *Repository) ListRecords(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM job_history ORDER BY created_at DESC, sequence DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	defer rows.Close()

	var records []domain.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) DeleteRecord(ctx context.Context, id domain.JobID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM job_history WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.JobRecord, error) {
	var (
		rec                domain.JobRecord
		idStr, stateStr    string
		flagsJSON, logJSON sql.NullString
		kind, message      sql.NullString
		exitCode           sql.NullInt64
		startedAt, endedAt sql.NullTime
	)
	d := &rec.Descriptor
	if err := s.Scan(&idStr, &d.Sequence, &d.InputPath, &d.OutputPath, &flagsJSON, &stateStr,
		&kind, &exitCode, &message, &logJSON, &d.CreatedAt, &startedAt, &endedAt); err != nil {
		return domain.JobRecord{}, err
	}

	d.ID = domain.JobID(idStr)
	rec.State = domain.JobState(stateStr)
	if flagsJSON.Valid {
		if err := json.Unmarshal([]byte(flagsJSON.String), &d.Flags); err != nil {
			return domain.JobRecord{}, fmt.Errorf("failed to unmarshal flags for job %s: %w", idStr, err)
		}
	}
	if logJSON.Valid {
		if err := json.Unmarshal([]byte(logJSON.String), &rec.Log); err != nil {
			return domain.JobRecord{}, fmt.Errorf("failed to unmarshal log for job %s: %w", idStr, err)
		}
	}
	if kind.Valid {
		rec.Failure = &domain.JobFailure{
			Kind:     domain.FailureKind(kind.String),
			ExitCode: int(exitCode.Int64),
			Message:  message.String,
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
