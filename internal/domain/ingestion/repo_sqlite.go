package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteJobRepo persists ingestion jobs in the ingestion_jobs table.
type SQLiteJobRepo struct {
	db *sql.DB
}

func NewSQLiteJobRepo(db *sql.DB) *SQLiteJobRepo {
	return &SQLiteJobRepo{db: db}
}

func (r *SQLiteJobRepo) Create(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusIdle
	}

	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	metrics, err := json.Marshal(job.Metrics)
	if err != nil {
		return fmt.Errorf("encode job metrics: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (job_id, config, status, metrics, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		job.JobID, string(cfg), string(job.Status), string(metrics), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ingestion job: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepo) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `
		SELECT job_id, config, status, metrics, error, created_at, updated_at
		FROM ingestion_jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (r *SQLiteJobRepo) List(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, config, status, metrics, error, created_at, updated_at
		FROM ingestion_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list ingestion jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *SQLiteJobRepo) Delete(ctx context.Context, jobID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ingestion_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete ingestion job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *SQLiteJobRepo) UpdateState(ctx context.Context, jobID string, status JobStatus, metrics Metrics, errDetails *ErrorDetails) error {
	m, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode job metrics: %w", err)
	}
	var errJSON any
	if errDetails != nil {
		b, err := json.Marshal(errDetails)
		if err != nil {
			return fmt.Errorf("encode job error: %w", err)
		}
		errJSON = string(b)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET status = ?, metrics = ?, error = ?, updated_at = ?
		WHERE job_id = ?`,
		string(status), string(m), errJSON, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("update ingestion job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *SQLiteJobRepo) ResetRunning(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusIdle), time.Now().UTC(), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job     Job
		cfg     string
		status  string
		metrics string
		errCol  sql.NullString
	)
	err := row.Scan(&job.JobID, &cfg, &status, &metrics, &errCol, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &job.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &job.Metrics); err != nil {
		return nil, fmt.Errorf("decode job metrics: %w", err)
	}
	if errCol.Valid && errCol.String != "" {
		job.Error = &ErrorDetails{}
		if err := json.Unmarshal([]byte(errCol.String), job.Error); err != nil {
			job.Error = &ErrorDetails{Kind: ErrKindRuntime, Message: errCol.String}
		}
	}
	job.Status = JobStatus(status)
	return &job, nil
}
