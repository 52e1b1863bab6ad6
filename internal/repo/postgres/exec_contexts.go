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

type ExecContextStore struct {
	db DB
}

func NewExecContextStore(db DB) *ExecContextStore {
	if db == nil {
		return nil
	}
	return &ExecContextStore{db: db}
}

const execContextColumns = `exec_context_id, source_code_id, state, input_bindings, invalid, invalid_reason, version, created_at, updated_at`

func (s *ExecContextStore) Create(ctx context.Context, ec domain.ExecContext) (domain.ExecContext, error) {
	if s == nil || s.db == nil {
		return domain.ExecContext{}, fmt.Errorf("exec context store not initialized")
	}
	if strings.TrimSpace(ec.SourceCodeID) == "" {
		return domain.ExecContext{}, fmt.Errorf("source code id is required")
	}

	ec.ID = uuid.NewString()
	ec.Version = 1
	ec.CreatedAt = normalizeTime(ec.CreatedAt)
	ec.UpdatedAt = ec.CreatedAt
	if ec.State == "" {
		ec.State = domain.ExecStateNone
	}

	inputs, err := encodeMetadata(ec.InputBindings)
	if err != nil {
		return domain.ExecContext{}, fmt.Errorf("encode input bindings: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO exec_contexts (`+execContextColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ec.ID,
		ec.SourceCodeID,
		string(ec.State),
		inputs,
		ec.Invalid,
		ec.InvalidReason,
		ec.Version,
		ec.CreatedAt,
		ec.UpdatedAt,
	)
	if err != nil {
		return domain.ExecContext{}, fmt.Errorf("insert exec context: %w", err)
	}
	return ec, nil
}

func (s *ExecContextStore) Get(ctx context.Context, id string) (domain.ExecContext, error) {
	if s == nil || s.db == nil {
		return domain.ExecContext{}, fmt.Errorf("exec context store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExecContext{}, fmt.Errorf("exec context id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+execContextColumns+` FROM exec_contexts WHERE exec_context_id = $1`,
		id,
	)
	return scanExecContext(row)
}

func (s *ExecContextStore) Save(ctx context.Context, ec domain.ExecContext) (domain.ExecContext, error) {
	if s == nil || s.db == nil {
		return domain.ExecContext{}, fmt.Errorf("exec context store not initialized")
	}
	if strings.TrimSpace(ec.ID) == "" {
		return domain.ExecContext{}, fmt.Errorf("exec context id is required")
	}

	inputs, err := encodeMetadata(ec.InputBindings)
	if err != nil {
		return domain.ExecContext{}, fmt.Errorf("encode input bindings: %w", err)
	}
	ec.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE exec_contexts
		 SET state = $1, input_bindings = $2, invalid = $3, invalid_reason = $4,
		     updated_at = $5, version = version + 1
		 WHERE exec_context_id = $6 AND version = $7`,
		string(ec.State),
		inputs,
		ec.Invalid,
		ec.InvalidReason,
		ec.UpdatedAt,
		ec.ID,
		ec.Version,
	)
	if err != nil {
		return domain.ExecContext{}, fmt.Errorf("update exec context: %w", err)
	}
	if err := checkVersionedUpdate(ctx, s.db, result,
		`SELECT EXISTS (SELECT 1 FROM exec_contexts WHERE exec_context_id = $1)`, ec.ID); err != nil {
		return domain.ExecContext{}, err
	}
	ec.Version++
	return ec, nil
}

func (s *ExecContextStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("exec context store not initialized")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM exec_contexts WHERE exec_context_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete exec context: %w", err)
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

func scanExecContext(row rowScanner) (domain.ExecContext, error) {
	var (
		ec     domain.ExecContext
		state  string
		inputs []byte
	)
	err := row.Scan(
		&ec.ID,
		&ec.SourceCodeID,
		&state,
		&inputs,
		&ec.Invalid,
		&ec.InvalidReason,
		&ec.Version,
		&ec.CreatedAt,
		&ec.UpdatedAt,
	)
	if err != nil {
		return domain.ExecContext{}, handleNotFound(err)
	}
	ec.State = domain.ExecState(state)
	ec.InputBindings, err = decodeMetadata(inputs)
	if err != nil {
		return domain.ExecContext{}, fmt.Errorf("decode input bindings: %w", err)
	}
	return ec, nil
}
