package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrNoRoutingKey = errors.New("outbox event has no routing key")

// Aggregate identifies the record an event describes.
type Aggregate struct {
	Type string
	ID   int64
}

// NewEvent builds a pending event for agg. Payloads that are already
// encoded (json.RawMessage or []byte) are stored unchanged.
func NewEvent(agg Aggregate, routingKey string, payload any) (*Event, error) {
	if routingKey == "" {
		return nil, ErrNoRoutingKey
	}

	var body json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", routingKey, err)
		}
		body = encoded
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid %s payload: not JSON", routingKey)
	}

	id := agg.ID
	return &Event{
		AggregateType: agg.Type,
		AggregateID:   &id,
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        StatusPending,
	}, nil
}

// Enqueue writes the event inside tx, so it commits or rolls back together
// with the caller's own changes. The returned event carries its row id.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, agg Aggregate, routingKey string, payload any) (*Event, error) {
	event, err := NewEvent(agg, routingKey, payload)
	if err != nil {
		return nil, err
	}
	if err := r.InsertEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	return event, nil
}
