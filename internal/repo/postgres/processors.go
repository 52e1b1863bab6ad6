package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-labs/loom-go/internal/domain"
)

type ProcessorStore struct {
	db DB
}

func NewProcessorStore(db DB) *ProcessorStore {
	if db == nil {
		return nil
	}
	return &ProcessorStore{db: db}
}

const processorColumns = `processor_id, session_id, session_created_on, state, version, created_at, updated_at`

func (s *ProcessorStore) Create(ctx context.Context, p domain.Processor) (domain.Processor, error) {
	if s == nil || s.db == nil {
		return domain.Processor{}, fmt.Errorf("processor store not initialized")
	}

	p.ID = uuid.NewString()
	p.Version = 1
	p.CreatedAt = normalizeTime(p.CreatedAt)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	state, err := encodeProcessorState(p)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("encode processor state: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO processors (`+processorColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID,
		p.SessionID,
		p.SessionCreatedOn.UTC(),
		state,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt.UTC(),
	)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("insert processor: %w", err)
	}
	return p, nil
}

func (s *ProcessorStore) Get(ctx context.Context, id string) (domain.Processor, error) {
	if s == nil || s.db == nil {
		return domain.Processor{}, fmt.Errorf("processor store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Processor{}, fmt.Errorf("processor id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+processorColumns+` FROM processors WHERE processor_id = $1`,
		id,
	)
	return scanProcessor(row)
}

func (s *ProcessorStore) Save(ctx context.Context, p domain.Processor) (domain.Processor, error) {
	if s == nil || s.db == nil {
		return domain.Processor{}, fmt.Errorf("processor store not initialized")
	}
	if strings.TrimSpace(p.ID) == "" {
		return domain.Processor{}, fmt.Errorf("processor id is required")
	}

	state, err := encodeProcessorState(p)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("encode processor state: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE processors
		 SET session_id = $1, session_created_on = $2, state = $3,
		     updated_at = $4, version = version + 1
		 WHERE processor_id = $5 AND version = $6`,
		p.SessionID,
		p.SessionCreatedOn.UTC(),
		state,
		p.UpdatedAt.UTC(),
		p.ID,
		p.Version,
	)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("update processor: %w", err)
	}
	if err := checkVersionedUpdate(ctx, s.db, result,
		`SELECT EXISTS (SELECT 1 FROM processors WHERE processor_id = $1)`, p.ID); err != nil {
		return domain.Processor{}, err
	}
	p.Version++
	return p, nil
}

func (s *ProcessorStore) List(ctx context.Context, limit int) ([]domain.Processor, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("processor store not initialized")
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+processorColumns+`
		 FROM processors
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list processors: %w", err)
	}
	defer rows.Close()

	var out []domain.Processor
	for rows.Next() {
		p, err := scanProcessor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProcessor(row rowScanner) (domain.Processor, error) {
	var (
		p     domain.Processor
		state []byte
	)
	err := row.Scan(
		&p.ID,
		&p.SessionID,
		&p.SessionCreatedOn,
		&state,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.Processor{}, handleNotFound(err)
	}
	if err := decodeProcessorState(state, &p); err != nil {
		return domain.Processor{}, err
	}
	return p, nil
}
