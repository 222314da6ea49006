package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/syntaxsurge/escrowzy-okx-sub006/logging"
	"github.com/syntaxsurge/escrowzy-okx-sub006/metrics"
)

// Publisher delivers one outbox message downstream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay moves pending outbox rows to a Publisher. Several relays may run
// against the same table; rows are claimed with FOR UPDATE SKIP LOCKED.
type Relay struct {
	pool      TxBeginner
	publisher Publisher
	cfg       RelayConfig
	log       logrus.FieldLogger
	metrics   *metrics.Recorder
}

func NewRelay(pool TxBeginner, publisher Publisher, cfg RelayConfig, log logrus.FieldLogger, rec *metrics.Recorder) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Relay{pool: pool, publisher: publisher, cfg: cfg, log: log, metrics: rec}
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.WithField("interval", r.cfg.Interval).Info("outbox relay started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.WithError(err).Warn("outbox relay pass failed")
			}
		}
	}
}

// RelayOnce claims one batch and returns how many messages were published.
// A failed publish only bumps that row's attempts; the row is marked dead
// once MaxAttempts is reached.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id::text, seq, topic, key, payload, status, attempts, created_at, last_attempt
FROM outbox
WHERE status = 'pending'
ORDER BY seq
FOR UPDATE SKIP LOCKED
LIMIT $1`, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}
	batch := make([]Message, 0, r.cfg.BatchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.Topic, &m.Key, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.LastAttempt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	published := 0
	for _, m := range batch {
		if err := r.publisher.Publish(ctx, m); err != nil {
			next := StatusPending
			if m.Attempts+1 >= r.cfg.MaxAttempts {
				next = StatusDead
			}
			r.log.WithError(err).WithFields(logrus.Fields{
				"outbox_id": m.ID,
				"topic":     m.Topic,
				"attempts":  m.Attempts + 1,
				"status":    next,
			}).Warn("outbox publish failed")
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), last_error = $2, status = $3 WHERE id = $1`, m.ID, err.Error(), next); err != nil {
				return published, fmt.Errorf("outbox: record failure: %w", err)
			}
			r.metrics.Relayed(next)
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`, m.ID); err != nil {
			return published, fmt.Errorf("outbox: mark processed: %w", err)
		}
		r.metrics.Relayed(StatusProcessed)
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return published, nil
}

// KafkaPublisher writes outbox messages to a single Kafka topic, keyed by the
// message key. The outbox topic travels as a header.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.Topic)},
			{Key: "outbox_id", Value: []byte(msg.ID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher is used when no brokers are configured; it only logs.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	p.Log.WithFields(logrus.Fields{
		"outbox_id": msg.ID,
		"topic":     msg.Topic,
		"key":       msg.Key,
	}).Info(string(msg.Payload))
	return nil
}
