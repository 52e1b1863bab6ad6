package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-labs/loom-go/internal/domain"
)

type SourceCodeStore struct {
	db DB
}

func NewSourceCodeStore(db DB) *SourceCodeStore {
	if db == nil {
		return nil
	}
	return &SourceCodeStore{db: db}
}

const sourceCodeColumns = `source_code_id, uid, revision, company_id, valid, archived, processes, row_version, created_at, published_at`

func (s *SourceCodeStore) Create(ctx context.Context, sc domain.SourceCode) (domain.SourceCode, error) {
	if s == nil || s.db == nil {
		return domain.SourceCode{}, fmt.Errorf("source code store not initialized")
	}
	if err := sc.Validate(); err != nil {
		return domain.SourceCode{}, err
	}

	sc.ID = uuid.NewString()
	sc.RowVersion = 1
	sc.CreatedAt = normalizeTime(sc.CreatedAt)
	sc.UID = strings.TrimSpace(sc.UID)

	processes, err := encodeProcesses(sc.Processes)
	if err != nil {
		return domain.SourceCode{}, fmt.Errorf("encode processes: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO source_codes (`+sourceCodeColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sc.ID,
		sc.UID,
		sc.Revision,
		sc.CompanyID,
		sc.Valid,
		sc.Archived,
		processes,
		sc.RowVersion,
		sc.CreatedAt,
		sc.PublishedAt,
	)
	if err != nil {
		return domain.SourceCode{}, fmt.Errorf("insert source code: %w", err)
	}
	return sc, nil
}

func (s *SourceCodeStore) Get(ctx context.Context, id string) (domain.SourceCode, error) {
	if s == nil || s.db == nil {
		return domain.SourceCode{}, fmt.Errorf("source code store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SourceCode{}, fmt.Errorf("source code id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+sourceCodeColumns+` FROM source_codes WHERE source_code_id = $1`,
		id,
	)
	return scanSourceCode(row)
}

// Save updates mutable bookkeeping (valid, archived) under the optimistic
// lock. Templates themselves are immutable; new revisions are new rows.
func (s *SourceCodeStore) Save(ctx context.Context, sc domain.SourceCode) (domain.SourceCode, error) {
	if s == nil || s.db == nil {
		return domain.SourceCode{}, fmt.Errorf("source code store not initialized")
	}
	if strings.TrimSpace(sc.ID) == "" {
		return domain.SourceCode{}, fmt.Errorf("source code id is required")
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE source_codes
		 SET valid = $1, archived = $2, published_at = $3, row_version = row_version + 1
		 WHERE source_code_id = $4 AND row_version = $5`,
		sc.Valid,
		sc.Archived,
		sc.PublishedAt,
		sc.ID,
		sc.RowVersion,
	)
	if err != nil {
		return domain.SourceCode{}, fmt.Errorf("update source code: %w", err)
	}
	if err := checkVersionedUpdate(ctx, s.db, result,
		`SELECT EXISTS (SELECT 1 FROM source_codes WHERE source_code_id = $1)`, sc.ID); err != nil {
		return domain.SourceCode{}, err
	}
	sc.RowVersion++
	return sc, nil
}

func (s *SourceCodeStore) List(ctx context.Context, companyID string, limit int) ([]domain.SourceCode, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("source code store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sourceCodeColumns+`
		 FROM source_codes
		 WHERE company_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		companyID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list source codes: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceCode
	for rows.Next() {
		sc, err := scanSourceCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceCode(row rowScanner) (domain.SourceCode, error) {
	var (
		sc          domain.SourceCode
		processes   []byte
		publishedAt *time.Time
	)
	err := row.Scan(
		&sc.ID,
		&sc.UID,
		&sc.Revision,
		&sc.CompanyID,
		&sc.Valid,
		&sc.Archived,
		&processes,
		&sc.RowVersion,
		&sc.CreatedAt,
		&publishedAt,
	)
	if err != nil {
		return domain.SourceCode{}, handleNotFound(err)
	}
	sc.PublishedAt = publishedAt
	sc.Processes, err = decodeProcesses(processes)
	if err != nil {
		return domain.SourceCode{}, err
	}
	return sc, nil
}
