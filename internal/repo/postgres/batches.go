package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/repo"
)

type BatchStore struct {
	db DB
}

func NewBatchStore(db DB) *BatchStore {
	if db == nil {
		return nil
	}
	return &BatchStore{db: db}
}

const batchColumns = `batch_id, source_code_id, exec_context_id, account_id, company_id, state,
	deleted, deleted_at, upload_ref, status_params, version, created_at, updated_at`

func (s *BatchStore) Create(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	if s == nil || s.db == nil {
		return domain.Batch{}, fmt.Errorf("batch store not initialized")
	}
	if strings.TrimSpace(b.SourceCodeID) == "" {
		return domain.Batch{}, fmt.Errorf("source code id is required")
	}

	b.ID = uuid.NewString()
	b.Version = 1
	b.CreatedAt = normalizeTime(b.CreatedAt)
	b.UpdatedAt = b.CreatedAt

	statusParams, err := encodeMetadata(b.StatusParams)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("encode status params: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO batches (`+batchColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		b.ID,
		b.SourceCodeID,
		nullableString(b.ExecContextID),
		b.AccountID,
		b.CompanyID,
		string(b.State),
		b.Deleted,
		b.DeletedAt,
		b.UploadRef,
		statusParams,
		b.Version,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

func (s *BatchStore) Get(ctx context.Context, id string) (domain.Batch, error) {
	if s == nil || s.db == nil {
		return domain.Batch{}, fmt.Errorf("batch store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Batch{}, fmt.Errorf("batch id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`,
		id,
	)
	return scanBatch(row)
}

func (s *BatchStore) Save(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	if s == nil || s.db == nil {
		return domain.Batch{}, fmt.Errorf("batch store not initialized")
	}
	if strings.TrimSpace(b.ID) == "" {
		return domain.Batch{}, fmt.Errorf("batch id is required")
	}

	statusParams, err := encodeMetadata(b.StatusParams)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("encode status params: %w", err)
	}
	b.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE batches
		 SET exec_context_id = $1, state = $2, deleted = $3, deleted_at = $4,
		     status_params = $5, updated_at = $6, version = version + 1
		 WHERE batch_id = $7 AND version = $8`,
		nullableString(b.ExecContextID),
		string(b.State),
		b.Deleted,
		b.DeletedAt,
		statusParams,
		b.UpdatedAt,
		b.ID,
		b.Version,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("update batch: %w", err)
	}
	if err := checkVersionedUpdate(ctx, s.db, result,
		`SELECT EXISTS (SELECT 1 FROM batches WHERE batch_id = $1)`, b.ID); err != nil {
		return domain.Batch{}, err
	}
	b.Version++
	return b, nil
}

func (s *BatchStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *BatchStore) ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Batch, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("batch store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+batchColumns+`
		 FROM batches
		 WHERE deleted = TRUE AND deleted_at < $1
		 ORDER BY deleted_at ASC
		 LIMIT $2`,
		cutoff.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deleted batches: %w", err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		b             domain.Batch
		execContextID *string
		deletedAt     *time.Time
		state         string
		statusParams  []byte
	)
	err := row.Scan(
		&b.ID,
		&b.SourceCodeID,
		&execContextID,
		&b.AccountID,
		&b.CompanyID,
		&state,
		&b.Deleted,
		&deletedAt,
		&b.UploadRef,
		&statusParams,
		&b.Version,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return domain.Batch{}, handleNotFound(err)
	}
	if execContextID != nil {
		b.ExecContextID = *execContextID
	}
	b.DeletedAt = deletedAt
	b.State = domain.BatchState(state)
	b.StatusParams, err = decodeMetadata(statusParams)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("decode status params: %w", err)
	}
	return b, nil
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
