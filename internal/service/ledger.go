package service

import (
	"context"

	"go.uber.org/zap"

	"projectescrow/internal/escrow"
	"projectescrow/internal/events"
)

// Ledger stores projects and applies the escrow rules atomically.
// repository.ProjectRepository and MemoryLedger implement it.
type Ledger interface {
	RegisterProject(ctx context.Context, caller escrow.Identity, reg escrow.Registration) (bool, error)
	MarkMilestoneComplete(ctx context.Context, caller escrow.Identity, id escrow.ProjectID) (int, error)
	ReleaseFunding(ctx context.Context, caller escrow.Identity, id escrow.ProjectID, amount escrow.Amount) (escrow.Amount, error)
	IsProjectComplete(ctx context.Context, id escrow.ProjectID) (bool, error)
	Project(ctx context.Context, id escrow.ProjectID) (escrow.Project, error)
}

// EventPublisher is satisfied by *mq.Publisher.
type EventPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// MemoryLedger serves the ledger from an in-process registry. Without a
// database there is no outbox, so events go straight to the publisher.
type MemoryLedger struct {
	registry  *escrow.Registry
	publisher EventPublisher
	logger    *zap.Logger
}

// NewMemoryLedger wraps registry. publisher may be nil.
func NewMemoryLedger(registry *escrow.Registry, publisher EventPublisher, logger *zap.Logger) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLedger{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
	}
}

func (l *MemoryLedger) RegisterProject(ctx context.Context, caller escrow.Identity, reg escrow.Registration) (bool, error) {
	ok, err := l.registry.RegisterProject(caller, reg)
	if err != nil {
		return false, err
	}
	l.publish(ctx, events.ProjectRegistered(ctx, escrow.NewProject(reg)))
	return ok, nil
}

func (l *MemoryLedger) MarkMilestoneComplete(ctx context.Context, caller escrow.Identity, id escrow.ProjectID) (int, error) {
	idx, p, err := l.registry.MarkMilestoneCompleteWithState(caller, id)
	if err != nil {
		return 0, err
	}
	l.publish(ctx, events.MilestoneCompleted(ctx, id, idx, p.IsComplete()))
	return idx, nil
}

func (l *MemoryLedger) ReleaseFunding(ctx context.Context, caller escrow.Identity, id escrow.ProjectID, amount escrow.Amount) (escrow.Amount, error) {
	released, p, err := l.registry.ReleaseFundingWithState(caller, id, amount)
	if err != nil {
		return 0, err
	}
	l.publish(ctx, events.FundingReleased(ctx, &p, released))
	return released, nil
}

func (l *MemoryLedger) IsProjectComplete(_ context.Context, id escrow.ProjectID) (bool, error) {
	return l.registry.IsProjectComplete(id), nil
}

func (l *MemoryLedger) Project(_ context.Context, id escrow.ProjectID) (escrow.Project, error) {
	return l.registry.Project(id)
}

// publish is best effort: the registry change has already happened.
func (l *MemoryLedger) publish(ctx context.Context, ev events.Event) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishWithContext(ctx, ev.RoutingKey, ev.Payload); err != nil {
		l.logger.Warn("Failed to publish escrow event",
			zap.String("routing_key", ev.RoutingKey),
			zap.Uint64("project_id", uint64(ev.ProjectID)),
			zap.Error(err),
		)
	}
}
