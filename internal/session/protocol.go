// Package session implements the processor heartbeat protocol: session
// issuance, renewal, expiry-driven reassignment, and the reconciliation of
// in-flight task ownership after worker churn.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loom-labs/loom-go/internal/cache"
	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/platform/env"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/repo"
)

// Decision is the outcome of classifying one incoming heartbeat against the
// stored processor session.
type Decision string

const (
	DecisionNewSession        Decision = "new_session"
	DecisionReassignProcessor Decision = "reassign_processor"
	DecisionUpdateSession     Decision = "update_session"
	DecisionOK                Decision = "ok"
)

const (
	defaultSessionTTL      = 15 * time.Minute
	defaultUpdateTimeout   = 1 * time.Minute
	defaultAssignmentGrace = 90 * time.Second
)

type Config struct {
	// TTL is the maximum age of a session before a mismatching heartbeat
	// may replace it instead of forcing a processor reassignment.
	TTL time.Duration
	// UpdateTimeout is the refresh interval after which a matching
	// heartbeat re-stamps the session instead of being a no-op.
	UpdateTimeout time.Duration
	// AssignmentGrace is how long an unconfirmed task assignment survives
	// before reconciliation revokes it.
	AssignmentGrace time.Duration
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("LOOM_SESSION_TTL", defaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	updateTimeout, err := env.Duration("LOOM_SESSION_UPDATE_TIMEOUT", defaultUpdateTimeout)
	if err != nil {
		return Config{}, err
	}
	grace, err := env.Duration("LOOM_ASSIGNMENT_GRACE", defaultAssignmentGrace)
	if err != nil {
		return Config{}, err
	}
	return Config{TTL: ttl, UpdateTimeout: updateTimeout, AssignmentGrace: grace}, nil
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultSessionTTL
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = defaultUpdateTimeout
	}
	if c.AssignmentGrace <= 0 {
		c.AssignmentGrace = defaultAssignmentGrace
	}
	return c
}

// NewSessionID issues an opaque session token: two concatenated UUIDs, so a
// token is never mistakable for a bare entity id.
func NewSessionID() string {
	return uuid.NewString() + uuid.NewString()
}

// ProcessorLockID names the keyed lock guarding one processor. The fixed
// lock order is graph, then task state, then processor.
func ProcessorLockID(processorID string) string {
	return "processor:" + processorID
}

// Classify is the pure session decision function. It mutates nothing; the
// caller applies the returned decision under the processor's write lock.
func Classify(p domain.Processor, incomingSessionID string, now time.Time, cfg Config) Decision {
	cfg = cfg.withDefaults()
	if incomingSessionID == "" {
		return DecisionNewSession
	}
	if incomingSessionID != p.SessionID {
		if now.Sub(p.SessionCreatedOn) > cfg.TTL {
			// The stored session is stale, replacing it cannot cut off
			// a live agent.
			return DecisionNewSession
		}
		// A second live agent is presenting an old or foreign session.
		// It gets a brand-new identity, never the contested one.
		return DecisionReassignProcessor
	}
	if now.Sub(p.UpdatedAt) > cfg.UpdateTimeout {
		return DecisionUpdateSession
	}
	return DecisionOK
}

// Protocol applies session decisions and persists their side effects.
type Protocol struct {
	logger     *slog.Logger
	locks      *keyedlock.Registry
	processors repo.ProcessorRepository
	cache      *cache.Entity[domain.Processor]
	sink       events.Sink
	cfg        Config
}

func NewProtocol(logger *slog.Logger, locks *keyedlock.Registry, processors repo.ProcessorRepository, sink events.Sink, cfg Config) *Protocol {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Protocol{
		logger:     logger,
		locks:      locks,
		processors: processors,
		cache:      cache.NewEntity[domain.Processor](),
		sink:       sink,
		cfg:        cfg.withDefaults(),
	}
}

// HeartbeatResult tells the agent which identity to use from now on. After a
// reassignment ProcessorID differs from the id the agent sent.
type HeartbeatResult struct {
	ProcessorID string
	SessionID   string
	Decision    Decision
}

// Register creates a brand-new processor with a live session.
func (p *Protocol) Register(ctx context.Context, environment domain.ProcessorEnvironment, coreCount int, now time.Time) (domain.Processor, error) {
	proc := domain.NewProcessor(environment, coreCount)
	proc.SessionID = NewSessionID()
	proc.SessionCreatedOn = now.UTC()
	proc.UpdatedAt = now.UTC()
	created, err := p.processors.Create(ctx, proc)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("register processor: %w", err)
	}
	p.cache.Put(created.ID, created)
	p.sink.Publish(events.Event{
		OccurredAt:  now.UTC(),
		Kind:        "processor.registered",
		SubjectType: "processor",
		SubjectID:   created.ID,
	})
	return created, nil
}

// Heartbeat classifies one incoming heartbeat and persists the resulting
// session transition under the processor's write lock. A cross-instance
// conflict on the save evicts the cached processor and retries once.
func (p *Protocol) Heartbeat(ctx context.Context, processorID, incomingSessionID string, environment domain.ProcessorEnvironment, now time.Time) (HeartbeatResult, error) {
	var result HeartbeatResult
	err := p.locks.WithLock(ProcessorLockID(processorID), func(h *keyedlock.Handle) error {
		return cache.WithOptimisticRetry(func() { p.cache.Invalidate(processorID) }, func() error {
			proc, err := p.cache.GetOrLoad(ctx, processorID, p.processors.Get)
			if err != nil {
				return fmt.Errorf("load processor %s: %w", processorID, err)
			}

			decision := Classify(proc, incomingSessionID, now, p.cfg)
			switch decision {
			case DecisionNewSession:
				proc, err = p.issueSession(ctx, h, proc, environment, now)
			case DecisionReassignProcessor:
				proc, err = p.reassign(ctx, environment, len(proc.Cores), now)
			case DecisionUpdateSession:
				proc, err = p.refreshSession(ctx, h, proc, environment, now)
			case DecisionOK:
				// Nothing to persist.
			}
			if err != nil {
				return err
			}
			result = HeartbeatResult{ProcessorID: proc.ID, SessionID: proc.SessionID, Decision: decision}
			return nil
		})
	})
	if err != nil {
		return HeartbeatResult{}, err
	}
	if result.Decision != DecisionOK {
		p.logger.Info("processor heartbeat transition",
			"processor_id", processorID,
			"decision", string(result.Decision),
			"assigned_processor_id", result.ProcessorID)
	}
	return result, nil
}

// issueSession replaces the stored session in place, keeping the processor
// identity. Caller must hold the processor's write lock.
func (p *Protocol) issueSession(ctx context.Context, h *keyedlock.Handle, proc domain.Processor, environment domain.ProcessorEnvironment, now time.Time) (domain.Processor, error) {
	h.MustBeHeld(ProcessorLockID(proc.ID))
	proc.SessionID = NewSessionID()
	proc.SessionCreatedOn = now.UTC()
	proc.UpdatedAt = now.UTC()
	proc.Environment = environment
	saved, err := p.processors.Save(ctx, proc)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("persist new session: %w", err)
	}
	p.cache.Put(saved.ID, saved)
	p.sink.Publish(events.Event{
		OccurredAt:  now.UTC(),
		Kind:        "processor.session.issued",
		SubjectType: "processor",
		SubjectID:   saved.ID,
	})
	return saved, nil
}

// reassign registers a brand-new processor for the contesting agent. The
// stored processor is left untouched so the agent holding the live session
// keeps its identity.
func (p *Protocol) reassign(ctx context.Context, environment domain.ProcessorEnvironment, coreCount int, now time.Time) (domain.Processor, error) {
	created, err := p.Register(ctx, environment, coreCount, now)
	if err != nil {
		return domain.Processor{}, err
	}
	p.sink.Publish(events.Event{
		OccurredAt:  now.UTC(),
		Kind:        "processor.reassigned",
		SubjectType: "processor",
		SubjectID:   created.ID,
	})
	return created, nil
}

// refreshSession re-stamps the session without changing identity. Caller
// must hold the processor's write lock.
func (p *Protocol) refreshSession(ctx context.Context, h *keyedlock.Handle, proc domain.Processor, environment domain.ProcessorEnvironment, now time.Time) (domain.Processor, error) {
	h.MustBeHeld(ProcessorLockID(proc.ID))
	proc.UpdatedAt = now.UTC()
	proc.Environment = environment
	saved, err := p.processors.Save(ctx, proc)
	if err != nil {
		return domain.Processor{}, fmt.Errorf("refresh session: %w", err)
	}
	p.cache.Put(saved.ID, saved)
	return saved, nil
}
