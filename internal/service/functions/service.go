// Package functions registers executable units: integrity verification,
// payload storage, and the immutability rule for registered codes.
package functions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/integrity"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/platform/objectstore"
	"github.com/loom-labs/loom-go/internal/repo"
)

// UploadRequest carries one function registration attempt.
type UploadRequest struct {
	Code       string
	Type       string
	Sourcing   domain.FunctionSourcing
	GitRepoURL string
	GitRef     string
	Checksums  map[string]string
	Trusted    bool
	// Payload is the uploaded binary for dispatcher-hosted functions and
	// nil for git-sourced ones.
	Payload []byte
}

type Service struct {
	logger    *slog.Logger
	functions repo.FunctionRepository
	store     objectstore.Store
	bucket    string
	verifier  *integrity.Service
	sink      events.Sink
}

func NewService(logger *slog.Logger, functionRepo repo.FunctionRepository, store objectstore.Store, bucket string, verifier *integrity.Service, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		logger:    logger,
		functions: functionRepo,
		store:     store,
		bucket:    bucket,
		verifier:  verifier,
		sink:      sink,
	}
}

// Upload verifies and registers one function. A code that already exists is
// rejected before verification even runs: registered functions are immutable
// regardless of trust mode.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (domain.Function, error) {
	code := strings.TrimSpace(req.Code)
	fn := domain.Function{
		Code:       code,
		Type:       strings.TrimSpace(req.Type),
		Sourcing:   req.Sourcing,
		GitRepoURL: strings.TrimSpace(req.GitRepoURL),
		GitRef:     strings.TrimSpace(req.GitRef),
		Checksums:  req.Checksums,
		Trusted:    req.Trusted,
	}

	if _, err := s.functions.Get(ctx, code); err == nil {
		return domain.Function{}, domain.E("LOOM-3301", domain.KindIntegrityViolation,
			"function %s is already registered, re-upload is rejected", code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Function{}, fmt.Errorf("check existing function %s: %w", code, err)
	}

	if err := s.verifier.Verify(fn, req.Payload); err != nil {
		return domain.Function{}, err
	}

	if fn.Sourcing == domain.SourcingDispatcher {
		key := payloadKey(code)
		err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(req.Payload), int64(len(req.Payload)), "application/octet-stream")
		if err != nil {
			return domain.Function{}, domain.Wrap("LOOM-6101", domain.KindExternalIO, err,
				"store payload of function %s", code)
		}
		fn.PayloadRef = key
	}

	created, err := s.functions.Create(ctx, fn)
	if err != nil {
		// A concurrent upload of the same code loses here rather than at
		// the pre-check.
		if errors.Is(err, repo.ErrConflict) {
			return domain.Function{}, domain.E("LOOM-3301", domain.KindIntegrityViolation,
				"function %s is already registered, re-upload is rejected", code)
		}
		return domain.Function{}, fmt.Errorf("register function %s: %w", code, err)
	}

	s.logger.Info("function registered",
		"function_code", created.Code,
		"sourcing", string(created.Sourcing),
		"trusted", created.Trusted)
	s.sink.Publish(events.Event{
		OccurredAt:  time.Now().UTC(),
		Kind:        "function.registered",
		SubjectType: "function",
		SubjectID:   created.Code,
	})
	return created, nil
}

func (s *Service) Get(ctx context.Context, code string) (domain.Function, error) {
	fn, err := s.functions.Get(ctx, code)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Function{}, domain.E("LOOM-4301", domain.KindNotFound, "function %s is not registered", code)
		}
		return domain.Function{}, fmt.Errorf("load function %s: %w", code, err)
	}
	return fn, nil
}

// Remove deletes a function and cascades to its stored binary. Deletion is
// always explicit; nothing expires registered functions.
func (s *Service) Remove(ctx context.Context, code string) error {
	fn, err := s.Get(ctx, code)
	if err != nil {
		return err
	}
	if fn.PayloadRef != "" {
		if err := s.store.Delete(ctx, s.bucket, fn.PayloadRef); err != nil {
			return domain.Wrap("LOOM-6102", domain.KindExternalIO, err,
				"delete payload of function %s", code)
		}
	}
	if err := s.functions.Delete(ctx, code); err != nil {
		return fmt.Errorf("delete function %s: %w", code, err)
	}
	s.logger.Info("function removed", "function_code", code)
	return nil
}

func payloadKey(code string) string {
	return "functions/" + code + "/payload"
}
