package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/engine/workflow"
	"planline/internal/events"
	"planline/internal/metrics"
	"planline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
	// NewID overrides report and history id generation.
	NewID func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Tracer: otel.Tracer("planline/engine"),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// queueStamp has sub-second precision so a re-mark during a drain is never mistaken for
// the mark being drained.
func (e Engine) queueStamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := e.Tracer
	if tr == nil {
		tr = otel.Tracer("planline/engine")
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// end closes the span, recording err when it is non-nil.
func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// principal loads the actor and a role snapshot inside tx. An unknown actor is denied,
// never reported as missing.
func (e Engine) principal(ctx context.Context, tx *sql.Tx, actorID string) (domain.Principal, auth.Evaluator, error) {
	if actorID == "" {
		return domain.Principal{}, auth.Evaluator{}, domain.PermissionDeniedError{Reason: "no actor"}
	}
	p, err := e.Repo.GetPrincipal(ctx, tx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Principal{}, auth.Evaluator{}, domain.PermissionDeniedError{ActorID: actorID, Reason: "unknown actor"}
	}
	if err != nil {
		return domain.Principal{}, auth.Evaluator{}, err
	}
	roles, err := e.Repo.LoadRoles(ctx, tx)
	if err != nil {
		return domain.Principal{}, auth.Evaluator{}, err
	}
	return p, auth.NewEvaluator(roles), nil
}

// Principal returns the actor with its effective permissions.
func (e Engine) Principal(ctx context.Context, actorID string) (domain.Principal, []string, error) {
	p, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return domain.Principal{}, nil, err
	}
	return p, ev.Permissions(p), nil
}

func (e Engine) machine(ev auth.Evaluator) (workflow.Machine, error) {
	if e.Config == nil {
		return workflow.Machine{}, errors.New("config not loaded")
	}
	m := workflow.New(ev, e.Config.WorkflowPolicy())
	m.Now = e.now
	if e.NewID != nil {
		m.NewID = e.NewID
	}
	return m, nil
}

// inTx runs fn in one transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(kind, id)
	}
	return err
}
