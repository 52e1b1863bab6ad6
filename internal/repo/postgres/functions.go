package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/repo"
)

type FunctionStore struct {
	db DB
}

func NewFunctionStore(db DB) *FunctionStore {
	if db == nil {
		return nil
	}
	return &FunctionStore{db: db}
}

const functionColumns = `code, type, sourcing, git_repo_url, git_ref, checksums, trusted, payload_ref, version, created_at`

// Create registers a function. The code is the primary key and an existing
// code yields ErrConflict; registered functions are immutable.
func (s *FunctionStore) Create(ctx context.Context, f domain.Function) (domain.Function, error) {
	if s == nil || s.db == nil {
		return domain.Function{}, fmt.Errorf("function store not initialized")
	}
	if err := f.Validate(); err != nil {
		return domain.Function{}, err
	}

	f.Version = 1
	f.CreatedAt = normalizeTime(f.CreatedAt)

	checksums, err := encodeChecksums(f.Checksums)
	if err != nil {
		return domain.Function{}, fmt.Errorf("encode checksums: %w", err)
	}

	result, err := s.db.ExecContext(
		ctx,
		`INSERT INTO functions (`+functionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (code) DO NOTHING`,
		f.Code,
		f.Type,
		string(f.Sourcing),
		f.GitRepoURL,
		f.GitRef,
		checksums,
		f.Trusted,
		f.PayloadRef,
		f.Version,
		f.CreatedAt,
	)
	if err != nil {
		return domain.Function{}, fmt.Errorf("insert function: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Function{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.Function{}, repo.ErrConflict
	}
	return f, nil
}

func (s *FunctionStore) Get(ctx context.Context, code string) (domain.Function, error) {
	if s == nil || s.db == nil {
		return domain.Function{}, fmt.Errorf("function store not initialized")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Function{}, fmt.Errorf("function code is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+functionColumns+` FROM functions WHERE code = $1`,
		code,
	)
	return scanFunction(row)
}

func (s *FunctionStore) List(ctx context.Context) ([]domain.Function, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("function store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+functionColumns+` FROM functions ORDER BY code ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var out []domain.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *FunctionStore) Delete(ctx context.Context, code string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("function store not initialized")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
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

func scanFunction(row rowScanner) (domain.Function, error) {
	var (
		f         domain.Function
		sourcing  string
		checksums []byte
		createdAt time.Time
	)
	err := row.Scan(
		&f.Code,
		&f.Type,
		&sourcing,
		&f.GitRepoURL,
		&f.GitRef,
		&checksums,
		&f.Trusted,
		&f.PayloadRef,
		&f.Version,
		&createdAt,
	)
	if err != nil {
		return domain.Function{}, handleNotFound(err)
	}
	f.Sourcing = domain.FunctionSourcing(sourcing)
	f.CreatedAt = createdAt
	f.Checksums, err = decodeChecksums(checksums)
	if err != nil {
		return domain.Function{}, err
	}
	return f, nil
}
