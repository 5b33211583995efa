// Package kafka relays execution lifecycle events to a Kafka topic for
// downstream consumers (alerting, auditing). The relay is best-effort: a
// write failure is logged and never affects the execution outcome.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"spider-admin/internal/spiderd/events"
)

const writeTimeout = 10 * time.Second

type Relay struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewRelay(brokers []string, topic string, logger zerolog.Logger) *Relay {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	l := logger.With().Str("component", "kafka-relay").Logger()
	l.Info().Strs("brokers", brokers).Str("topic", topic).Msg("execution event relay configured")
	return &Relay{writer: writer, log: l}
}

// PublishExecutionEvent writes one lifecycle event, keyed by execution id
// so all events of one execution land on the same partition.
func (r *Relay) PublishExecutionEvent(ctx context.Context, payload events.ExecutionEventPayload) {
	value, err := json.Marshal(payload)
	if err != nil {
		r.log.Error().Uint("execution_id", payload.ExecutionID).Err(err).Msg("failed to marshal execution event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(payload.ExecutionID), 10)),
		Value: value,
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.writer.WriteMessages(writeCtx, msg); err != nil {
		r.log.Error().Uint("execution_id", payload.ExecutionID).Err(err).Msg("failed to relay execution event")
		return
	}
	r.log.Debug().Uint("execution_id", payload.ExecutionID).Str("status", payload.Status).Msg("execution event relayed")
}

func (r *Relay) Close() error {
	return r.writer.Close()
}
