package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"stockroom/internal/events"
	"stockroom/internal/infra/persistence/memory"
	"stockroom/pkg/domain"
)

// Defaults applied when no option overrides them.
const (
	DefaultMaxChainDepth = 1000
	DefaultMaxRetries    = 3
	defaultRetryBackoff  = 10 * time.Millisecond
)

// Service is the inventory engine. Every mutation runs in one store
// transaction that also appends its history entries, so either all effects
// of an operation are visible or none are.
type Service struct {
	store      domain.PersistentStore
	logger     Logger
	clock      Clock
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	authorizer Authorizer
	events     events.Sink
	newID      func() string

	maxDepth     int
	maxRetries   int
	retryBackoff time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAuditRecorder records an audit entry per operation.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder observes operation latency and outcome.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer wraps every operation in a span.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithAuthorizer gates operations on capabilities.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(s *Service) {
		if authorizer != nil {
			s.authorizer = authorizer
		}
	}
}

// WithEventSink forwards an event for every committed mutation.
func WithEventSink(sink events.Sink) Option {
	return func(s *Service) { s.events = sink }
}

// WithIDGenerator overrides identity id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithMaxChainDepth bounds containment walks.
func WithMaxChainDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// WithMaxRetries sets how many times a mutation is retried after a conflict.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between conflict retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.retryBackoff = d
		}
	}
}

// NewService constructs a service over the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       noopLogger{},
		clock:        systemClock{},
		audit:        noopAuditRecorder{},
		metrics:      noopMetricsRecorder{},
		tracer:       noopTracer{},
		authorizer:   AllowAll{},
		newID:        uuid.NewString,
		maxDepth:     DefaultMaxChainDepth,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService returns a service backed by a fresh in-memory store
// guarded by the built-in rules.
func NewInMemoryService(opts ...Option) *Service {
	return NewService(memory.New(NewRulesEngine()), opts...)
}

// Store exposes the underlying persistence.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// run applies authorization and the observability hooks around fn.
func (s *Service) run(ctx context.Context, op string, capability Capability, entityID string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := s.authorizer.Authorize(ctx, capability)
	if err == nil {
		err = fn(ctx)
	}
	elapsed := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)

	entry := AuditEntry{
		Operation: op,
		EntityID:  entityID,
		Actor:     actorFrom(ctx),
		Status:    AuditStatusSuccess,
		Duration:  elapsed,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Code = domain.CodeOf(err)
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
	s.logOutcome(op, entityID, elapsed, err)
	return err
}

func (s *Service) logOutcome(op, entityID string, elapsed time.Duration, err error) {
	if err == nil {
		s.logger.Debug("operation completed", "operation", op, "entity_id", entityID, "duration", elapsed)
		return
	}
	switch domain.CodeOf(err) {
	case domain.CodeDataIntegrityViolation, domain.CodeInvariantViolation, domain.CodeInternal:
		s.logger.Error("operation failed", "operation", op, "entity_id", entityID, "error", err)
	case domain.CodeConflict:
		s.logger.Warn("operation conflicted", "operation", op, "entity_id", entityID, "error", err)
	default:
		s.logger.Info("operation rejected", "operation", op, "entity_id", entityID, "code", domain.CodeOf(err), "error", err)
	}
}

// mutation is the per-attempt state of a write transaction.
type mutation struct {
	svc     *Service
	tx      domain.Transaction
	actor   string
	now     time.Time
	pending []events.Event
}

// mutate runs fn in a transaction, retrying conflicts with linear backoff.
// Events raised by fn are forwarded only once the transaction commits.
func (s *Service) mutate(ctx context.Context, fn func(*mutation) error) error {
	actor := actorFrom(ctx)
	for attempt := 0; ; attempt++ {
		m := &mutation{svc: s, actor: actor, now: s.clock.Now().UTC()}
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			m.tx = tx
			return fn(m)
		})
		if err == nil {
			s.forward(m.pending)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= s.maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Warn("retrying after conflict", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

func (s *Service) view(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.store.View(ctx, fn)
}

func (s *Service) forward(pending []events.Event) {
	if s.events == nil {
		return
	}
	for _, ev := range pending {
		s.events.Enqueue(ev)
	}
}

// record appends a history entry stamped with the mutation's actor and time.
func (m *mutation) record(entry domain.HistoryEntry) error {
	entry.ActorID = m.actor
	entry.Timestamp = m.now
	_, err := m.tx.AppendHistory(entry)
	return err
}

func (m *mutation) emit(typ events.Type, identity domain.Identity, data map[string]string) {
	m.pending = append(m.pending, events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		IdentityID: identity.ID,
		Code:       identity.Code,
		Category:   string(identity.Category),
		ActorID:    m.actor,
		OccurredAt: m.now,
		Data:       data,
	})
}

// lockActive locks an identity and requires it to be active.
func (m *mutation) lockActive(id string, mode domain.LockMode) (domain.Identity, error) {
	identity, err := m.tx.LockIdentity(id, mode)
	if err != nil {
		return domain.Identity{}, err
	}
	if !identity.Active() {
		return domain.Identity{}, domain.Errorf(domain.ErrNotFound, "%s is retired", identity.Code)
	}
	return identity, nil
}

// lockTrace locks the trace tag of an identity already known to be active.
func (m *mutation) lockTrace(identity domain.Identity) (domain.TraceTag, error) {
	tag, err := m.tx.LockTag(identity.ID, domain.CategoryTrace)
	if err != nil {
		return domain.TraceTag{}, m.svc.missingTag(identity, err)
	}
	trace, ok := tag.(domain.TraceTag)
	if !ok {
		return domain.TraceTag{}, domain.Errorf(domain.ErrDataIntegrityViolation, "%s has a %T tag", identity.Code, tag)
	}
	return trace, nil
}

// touch bumps UpdatedAt on an identity whose tag changed.
func (m *mutation) touch(id string) (domain.Identity, error) {
	return m.tx.UpdateIdentity(id, func(i *domain.Identity) error {
		i.UpdatedAt = m.now
		return nil
	})
}

// missingTag converts a failed tag lookup for an active identity. A missing
// row means the stores disagree with each other and is logged loudly.
func (s *Service) missingTag(identity domain.Identity, err error) error {
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.logger.Error("active identity has no tag", "identity_id", identity.ID, "code", identity.Code, "category", identity.Category)
	return domain.Errorf(domain.ErrDataIntegrityViolation, "%s has no %s tag", identity.Code, identity.Category)
}
