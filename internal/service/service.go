package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stockroom/backend/internal/cache"
	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/report"
	"stockroom/backend/internal/store"
)

var ErrUnauthenticated = errors.New("authenticated user required")

// ValidationError is a business-rule rejection meant to be shown to the
// seller next to the form they submitted.
type ValidationError struct {
	Message  string
	ItemID   string
	ItemName string
}

func (e *ValidationError) Error() string {
	if e.ItemName != "" {
		return fmt.Sprintf("%s for item %s", e.Message, e.ItemName)
	}
	if e.ItemID != "" {
		return fmt.Sprintf("%s for item %s", e.Message, e.ItemID)
	}
	return e.Message
}

func invalid(message string) error {
	return &ValidationError{Message: message}
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

type Options struct {
	Guard         cache.SubmissionGuard
	SubmissionTTL time.Duration
	Logger        *zap.Logger
	Reports       report.Weekly
	Now           func() time.Time
}

type Service struct {
	repo          store.Repository
	guard         cache.SubmissionGuard
	submissionTTL time.Duration
	logger        *zap.Logger
	reports       report.Weekly
	now           func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Guard == nil {
		opts.Guard = cache.NoopSubmissionGuard{}
	}
	if opts.SubmissionTTL <= 0 {
		opts.SubmissionTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reports.Location == nil {
		opts.Reports.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:          repo,
		guard:         opts.Guard,
		submissionTTL: opts.SubmissionTTL,
		logger:        opts.Logger,
		reports:       opts.Reports,
		now:           opts.Now,
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	base := []zap.Field{
		zap.String("action", action),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
	}
	s.logger.Info("audit", append(base, fields...)...)
}
