package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "escrow.events"
)

// Routing keys published and consumed by the escrow service.
const (
	RoutingProjectRegistered  = "escrow.project.registered"
	RoutingMilestoneCompleted = "escrow.milestone.completed"
	RoutingFundingReleased    = "escrow.funding.released"
	RoutingMilestoneAttested  = "escrow.milestone.attested"
)

// MilestoneAttestedQueue receives oracle attestations.
const MilestoneAttestedQueue = "escrow.milestone.attested.q"

// NewConnection dials RabbitMQ.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the durable topic exchange for escrow events.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}
