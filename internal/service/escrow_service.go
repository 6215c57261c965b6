package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"projectescrow/internal/escrow"
	"projectescrow/pkg/logger"
	"projectescrow/pkg/metrics"
	"projectescrow/pkg/util"
)

// ErrDuplicateRequest is returned when an idempotency key was already used.
var ErrDuplicateRequest = errors.New("duplicate request")

const (
	opRegister  = "register_project"
	opMilestone = "complete_milestone"
	opRelease   = "release_funding"
)

// Deduper is satisfied by *util.Deduper.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string)
}

type idempotencyKey struct{}

// WithIdempotencyKey marks the operation run with ctx so it is applied at most once per key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// EscrowService fronts a Ledger with request dedup, metrics and trace-aware logging.
type EscrowService struct {
	ledger  Ledger
	deduper Deduper
	logger  *zap.Logger
}

// NewEscrowService builds the service. deduper may be nil, in which case
// idempotency keys are ignored.
func NewEscrowService(ledger Ledger, deduper Deduper, logger *zap.Logger) *EscrowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscrowService{
		ledger:  ledger,
		deduper: deduper,
		logger:  logger,
	}
}

func (s *EscrowService) RegisterProject(ctx context.Context, caller escrow.Identity, reg escrow.Registration) (bool, error) {
	var ok bool
	err := s.run(ctx, opRegister, func() error {
		var err error
		ok, err = s.ledger.RegisterProject(ctx, caller, reg)
		return err
	})
	return ok, err
}

func (s *EscrowService) MarkMilestoneComplete(ctx context.Context, caller escrow.Identity, id escrow.ProjectID) (int, error) {
	var idx int
	err := s.run(ctx, opMilestone, func() error {
		var err error
		idx, err = s.ledger.MarkMilestoneComplete(ctx, caller, id)
		return err
	})
	return idx, err
}

func (s *EscrowService) ReleaseFunding(ctx context.Context, caller escrow.Identity, id escrow.ProjectID, amount escrow.Amount) (escrow.Amount, error) {
	var released escrow.Amount
	err := s.run(ctx, opRelease, func() error {
		var err error
		released, err = s.ledger.ReleaseFunding(ctx, caller, id, amount)
		return err
	})
	if err == nil {
		metrics.AddFundingReleased(uint64(released))
	}
	return released, err
}

func (s *EscrowService) IsProjectComplete(ctx context.Context, id escrow.ProjectID) (bool, error) {
	return s.ledger.IsProjectComplete(ctx, id)
}

func (s *EscrowService) Project(ctx context.Context, id escrow.ProjectID) (escrow.Project, error) {
	return s.ledger.Project(ctx, id)
}

func (s *EscrowService) run(ctx context.Context, operation string, fn func() error) error {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("operation", operation))

	key := idempotencyKeyFrom(ctx)
	if key != "" && s.deduper != nil {
		if !s.deduper.AcquireOnce(ctx, operation, key) {
			metrics.RecordEscrowOperation(operation, "duplicate")
			return ErrDuplicateRequest
		}
	}

	err := fn()
	if err == nil {
		metrics.RecordEscrowOperation(operation, "ok")
		return nil
	}

	retryable, reason := util.IsRetryableError(err)
	if escrow.IsDomainError(err) {
		metrics.RecordEscrowOperation(operation, "rejected")
		log.Info("Escrow operation rejected",
			zap.Uint32("code", escrow.Code(err)),
			zap.Error(err),
		)
	} else {
		metrics.RecordEscrowOperation(operation, "error")
		log.Error("Escrow operation failed",
			zap.String("reason", reason),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
	}

	// Only a rejection is a final answer for the key. Any other failure
	// rolled back, so the same key may try again.
	if !escrow.IsDomainError(err) && key != "" && s.deduper != nil {
		s.deduper.Release(ctx, operation, key)
	}
	return err
}

var _ Deduper = (*util.Deduper)(nil)
