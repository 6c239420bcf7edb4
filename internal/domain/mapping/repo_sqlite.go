package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/interop/interop/internal/domain/schema"
	"github.com/interop/interop/internal/domain/transform"
)

// SQLiteJobRepo persists mapping jobs in the mapping_jobs table. Schemas,
// suggestions, and rules are stored as JSON columns.
type SQLiteJobRepo struct {
	db *sql.DB
}

// NewSQLiteJobRepo creates the repository over an open database handle.
func NewSQLiteJobRepo(db *sql.DB) *SQLiteJobRepo {
	return &SQLiteJobRepo{db: db}
}

type jobRow struct {
	sourceSchema     string
	targetSchema     string
	aiMappings       string
	approvedMappings string
	prediction       string
	degraded         int
}

func encodeJob(job *Job) (*jobRow, error) {
	row := &jobRow{}
	enc := func(name string, v any, dst *string) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		*dst = string(b)
		return nil
	}
	if err := enc("source schema", job.SourceSchema, &row.sourceSchema); err != nil {
		return nil, err
	}
	if err := enc("target schema", job.TargetSchema, &row.targetSchema); err != nil {
		return nil, err
	}
	if err := enc("suggestions", job.AIMappings, &row.aiMappings); err != nil {
		return nil, err
	}
	if err := enc("approved mappings", job.ApprovedMappings, &row.approvedMappings); err != nil {
		return nil, err
	}
	if job.Prediction != nil {
		if err := enc("prediction", job.Prediction, &row.prediction); err != nil {
			return nil, err
		}
	} else {
		row.prediction = "{}"
	}
	if job.Degraded {
		row.degraded = 1
	}
	return row, nil
}

func (r *SQLiteJobRepo) Create(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO mapping_jobs
			(job_id, user_id, name, source_schema, target_schema, ai_mappings,
			 approved_mappings, resource_prediction, degraded, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.UserID, job.Name, row.sourceSchema, row.targetSchema,
		row.aiMappings, row.approvedMappings, row.prediction, row.degraded,
		string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert mapping job: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepo) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, name, source_schema, target_schema, ai_mappings,
		       approved_mappings, resource_prediction, degraded, status, created_at, updated_at
		FROM mapping_jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (r *SQLiteJobRepo) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE mapping_jobs SET
			user_id = ?, name = ?, source_schema = ?, target_schema = ?,
			ai_mappings = ?, approved_mappings = ?, resource_prediction = ?,
			degraded = ?, status = ?, updated_at = ?
		WHERE job_id = ?`,
		job.UserID, job.Name, row.sourceSchema, row.targetSchema,
		row.aiMappings, row.approvedMappings, row.prediction, row.degraded,
		string(job.Status), job.UpdatedAt, job.JobID)
	if err != nil {
		return fmt.Errorf("update mapping job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *SQLiteJobRepo) List(ctx context.Context, userID string) ([]*Job, error) {
	query := `
		SELECT job_id, user_id, name, source_schema, target_schema, ai_mappings,
		       approved_mappings, resource_prediction, degraded, status, created_at, updated_at
		FROM mapping_jobs`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mapping jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *SQLiteJobRepo) Delete(ctx context.Context, jobID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mapping_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete mapping job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteJobRepo) scanOne(row scanner) (*Job, error) {
	var (
		job      Job
		status   string
		src, tgt string
		ai, appr string
		pred     string
		degraded int
	)
	err := row.Scan(&job.JobID, &job.UserID, &job.Name, &src, &tgt, &ai, &appr,
		&pred, &degraded, &status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(src), &job.SourceSchema); err != nil {
		return nil, fmt.Errorf("decode source schema: %w", err)
	}
	if err := json.Unmarshal([]byte(tgt), &job.TargetSchema); err != nil {
		return nil, fmt.Errorf("decode target schema: %w", err)
	}
	if err := json.Unmarshal([]byte(ai), &job.AIMappings); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	if err := json.Unmarshal([]byte(appr), &job.ApprovedMappings); err != nil {
		return nil, fmt.Errorf("decode approved mappings: %w", err)
	}
	if pred != "" && pred != "{}" {
		job.Prediction = &ResourcePrediction{}
		if err := json.Unmarshal([]byte(pred), job.Prediction); err != nil {
			return nil, fmt.Errorf("decode prediction: %w", err)
		}
	}
	job.Degraded = degraded != 0
	job.Status = Status(status)
	if job.SourceSchema == nil {
		job.SourceSchema = schema.Schema{}
	}
	if job.TargetSchema == nil {
		job.TargetSchema = schema.Schema{}
	}
	if job.ApprovedMappings == nil {
		job.ApprovedMappings = []transform.Rule{}
	}
	return &job, nil
}
