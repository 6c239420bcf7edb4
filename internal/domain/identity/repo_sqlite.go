package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteCacheRepo stores the natural-key cache in the person_id_cache table.
type SQLiteCacheRepo struct {
	db *sql.DB
}

// NewSQLiteCacheRepo creates the repository over an open database handle.
func NewSQLiteCacheRepo(db *sql.DB) *SQLiteCacheRepo {
	return &SQLiteCacheRepo{db: db}
}

func (r *SQLiteCacheRepo) Get(ctx context.Context, key string, kind Kind) (int64, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT generated_id FROM person_id_cache WHERE natural_key = ? AND kind = ?`,
		key, string(kind)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query person_id_cache: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE person_id_cache SET last_seen = CURRENT_TIMESTAMP WHERE natural_key = ? AND kind = ?`,
		key, string(kind))
	if err != nil {
		return 0, false, fmt.Errorf("touch person_id_cache: %w", err)
	}
	return id, true, nil
}

func (r *SQLiteCacheRepo) Put(ctx context.Context, key string, kind Kind, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO person_id_cache (natural_key, kind, generated_id) VALUES (?, ?, ?)
		 ON CONFLICT (natural_key, kind) DO UPDATE SET last_seen = CURRENT_TIMESTAMP`,
		key, string(kind), id)
	if err != nil {
		return fmt.Errorf("insert person_id_cache: %w", err)
	}
	return nil
}
