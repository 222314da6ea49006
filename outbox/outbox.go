// Package outbox persists domain events in the same transaction as the state
// change that produced them and relays them to Kafka afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// TopicTradeStatusChanged carries one message per committed trade transition.
	TopicTradeStatusChanged = "trade.status_changed"
	// TopicTradeCreated carries one message per newly inserted trade.
	TopicTradeCreated = "trade.created"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is a row of the outbox table.
type Message struct {
	ID string
	// Seq is the insertion order; rows written in one transaction share
	// created_at but never Seq.
	Seq         int64
	Topic       string
	Key         string
	Payload     []byte
	Status      string
	Attempts    int
	CreatedAt   time.Time
	LastAttempt *time.Time
}

// Enqueue appends a message inside tx. The key is used as the Kafka message
// key so events of one trade keep their order within a partition.
func Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, key, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, key, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
