// Package events builds the escrow event payloads published after each
// successful operation.
package events

import (
	"context"

	mqcontracts "projectescrow/contracts/mq"
	"projectescrow/internal/escrow"
	"projectescrow/pkg/mq"
	"projectescrow/pkg/trace"
)

// Event pairs a routing key with its payload.
type Event struct {
	RoutingKey string
	ProjectID  escrow.ProjectID
	Payload    any
}

func ProjectRegistered(ctx context.Context, p *escrow.Project) Event {
	return Event{
		RoutingKey: mq.RoutingProjectRegistered,
		ProjectID:  p.ID,
		Payload: mqcontracts.ProjectRegisteredPayload{
			ProjectID:      uint64(p.ID),
			Founder:        string(p.Founder),
			DAO:            string(p.DAO),
			Oracle:         string(p.Oracle),
			TokenContract:  string(p.TokenContract),
			MilestoneCount: uint(len(p.Milestones)),
			TotalFunding:   uint64(p.TotalFunding),
			TraceID:        trace.FromContext(ctx),
		},
	}
}

func MilestoneCompleted(ctx context.Context, id escrow.ProjectID, milestone int, complete bool) Event {
	return Event{
		RoutingKey: mq.RoutingMilestoneCompleted,
		ProjectID:  id,
		Payload: mqcontracts.MilestoneCompletedPayload{
			ProjectID: uint64(id),
			Milestone: milestone,
			Complete:  complete,
			TraceID:   trace.FromContext(ctx),
		},
	}
}

func FundingReleased(ctx context.Context, p *escrow.Project, amount escrow.Amount) Event {
	return Event{
		RoutingKey: mq.RoutingFundingReleased,
		ProjectID:  p.ID,
		Payload: mqcontracts.FundingReleasedPayload{
			ProjectID:       uint64(p.ID),
			Amount:          uint64(amount),
			ReleasedFunding: uint64(p.ReleasedFunding),
			TotalFunding:    uint64(p.TotalFunding),
			TraceID:         trace.FromContext(ctx),
		},
	}
}
