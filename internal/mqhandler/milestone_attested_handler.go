package mqhandler

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	mqcontracts "projectescrow/contracts/mq"
	"projectescrow/internal/escrow"
	"projectescrow/pkg/logger"
	"projectescrow/pkg/mq"
	"projectescrow/pkg/trace"
	"projectescrow/pkg/util"
)

const (
	handlerName       = "milestone_attested"
	defaultMaxRetries = 5
)

// MilestoneCompleter is satisfied by *service.EscrowService.
type MilestoneCompleter interface {
	MarkMilestoneComplete(ctx context.Context, caller escrow.Identity, id escrow.ProjectID) (int, error)
}

type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string)
}

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DLQPublisher is satisfied by *mq.Publisher.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// MilestoneAttestedHandler applies oracle attestations arriving over the
// broker as milestone completions.
type MilestoneAttestedHandler struct {
	completer    MilestoneCompleter
	deduper      Deduper
	retryCounter RetryCounter
	dlq          DLQPublisher
	maxRetries   int64
	logger       *zap.Logger
}

func NewMilestoneAttestedHandler(
	completer MilestoneCompleter,
	deduper Deduper,
	retryCounter RetryCounter,
	dlq DLQPublisher,
	logger *zap.Logger,
) *MilestoneAttestedHandler {
	return &MilestoneAttestedHandler{
		completer:    completer,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		maxRetries:   defaultMaxRetries,
		logger:       logger,
	}
}

func (h *MilestoneAttestedHandler) WithMaxRetries(maxRetries int64) *MilestoneAttestedHandler {
	h.maxRetries = maxRetries
	return h
}

// Handle returns an error only when the attestation should be redelivered.
func (h *MilestoneAttestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.MilestoneAttestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal attestation (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		h.toDLQ(ctx, raw, "json_decode_error")
		return nil
	}

	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("attestation_id", p.AttestationID),
		zap.Uint64("project_id", p.ProjectID),
		zap.String("oracle", p.Oracle),
	)

	if p.AttestationID != "" && h.deduper != nil {
		if !h.deduper.AcquireOnce(ctx, handlerName, p.AttestationID) {
			log.Info("Skipped duplicated attestation")
			return nil
		}
	}

	idx, err := h.completer.MarkMilestoneComplete(ctx, escrow.Identity(p.Oracle), escrow.ProjectID(p.ProjectID))
	retryKey := retryKeyFor(p)
	if err == nil {
		h.resetRetries(ctx, retryKey)
		log.Info("Attested milestone completed", zap.Int("milestone", idx))
		return nil
	}

	isRetryable, errType := util.IsRetryableError(err)
	if !isRetryable {
		if escrow.IsDomainError(err) {
			log.Warn("Attestation rejected", zap.Uint32("code", escrow.Code(err)), zap.Error(err))
		} else {
			log.Error("Attestation failed (non-retryable, sending to DLQ)", zap.String("error_type", errType), zap.Error(err))
			h.toDLQ(ctx, raw, errType)
		}
		h.resetRetries(ctx, retryKey)
		return nil
	}

	// Nothing was applied, so a redelivery must not be deduplicated away.
	if p.AttestationID != "" && h.deduper != nil {
		h.deduper.Release(ctx, handlerName, p.AttestationID)
	}

	retryCount := int64(1)
	if h.retryCounter != nil {
		n, cerr := h.retryCounter.IncrementAndGet(ctx, retryKey)
		if cerr != nil {
			log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		} else {
			retryCount = n
		}
	}

	if !util.ShouldRetry(retryCount, h.maxRetries, isRetryable) {
		log.Warn("Max retries exceeded, sending to DLQ",
			zap.Int64("retry_count", retryCount),
			zap.String("error_type", errType),
			zap.Error(err),
		)
		h.toDLQ(ctx, raw, errType)
		h.resetRetries(ctx, retryKey)
		return nil
	}

	log.Error("Attestation failed, will retry",
		zap.Int64("retry_count", retryCount),
		zap.String("error_type", errType),
		zap.Error(err),
	)
	return err
}

// retryKeyFor counts attempts per attestation. Attestations without an id
// fall back to one counter per project so they never share a global key.
func retryKeyFor(p mqcontracts.MilestoneAttestedPayload) string {
	if p.AttestationID != "" {
		return util.FormatRetryKey(handlerName, p.AttestationID)
	}
	return util.FormatRetryKey(handlerName, "project-"+strconv.FormatUint(p.ProjectID, 10))
}

func (h *MilestoneAttestedHandler) toDLQ(ctx context.Context, raw []byte, reason string) {
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(ctx, mq.RoutingMilestoneAttested, raw, reason); err != nil {
		h.logger.Error("Failed to publish attestation to DLQ", zap.Error(err))
	}
}

func (h *MilestoneAttestedHandler) resetRetries(ctx context.Context, key string) {
	if h.retryCounter == nil {
		return
	}
	if err := h.retryCounter.Reset(ctx, key); err != nil {
		h.logger.Warn("Failed to reset retry count", zap.String("key", key), zap.Error(err))
	}
}
