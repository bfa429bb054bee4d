package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventQualityRefund is the event type for automatic quality refunds.
const EventQualityRefund = "quality_refund"

// EventChannel is the Postgres NOTIFY channel events are published on.
const EventChannel = "credit_events"

type Event struct {
	Type      string       `json:"type"`
	UserID    uuid.UUID    `json:"userId"`
	Message   string       `json:"message"`
	Details   EventDetails `json:"details"`
	Timestamp time.Time    `json:"timestamp"`
}

type EventDetails struct {
	CandidateID   uuid.UUID `json:"candidateId"`
	Confidence    float64   `json:"confidence"`
	MissingFields []string  `json:"missingFields"`
	Reason        string    `json:"reason"`
}

// Notifier delivers events to the UI layer. Delivery is best-effort.
type Notifier interface {
	Publish(ctx context.Context, e Event) error
}

// PgNotifier publishes events with pg_notify so any listening gateway can fan
// them out to the owning user's session.
type PgNotifier struct {
	pool *pgxpool.Pool
}

func NewPgNotifier(pool *pgxpool.Pool) *PgNotifier {
	return &PgNotifier{pool: pool}
}

func (n *PgNotifier) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, EventChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func refundMessage(v Verdict) string {
	if v.Reason == ReasonThreeWayDisagree {
		return "The analysis models disagreed on this resume, so the credit has been refunded."
	}
	return "Key details could not be read from this resume, so the credit has been refunded."
}
