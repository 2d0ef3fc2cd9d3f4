package producer

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/metrics"
)

// Publisher appends one message body to the event queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

type Producer struct {
	queue Publisher
	log   zerolog.Logger
}

func New(queue Publisher, log zerolog.Logger) *Producer {
	return &Producer{
		queue: queue,
		log:   log.With().Str("component", "producer").Logger(),
	}
}

// Publish serializes entity and enqueues it. Failures are logged and counted,
// never returned: the caller's own operation must not fail because of it.
// A json.RawMessage or []byte is enqueued as-is.
func (p *Producer) Publish(ctx context.Context, entity any) {
	var body []byte
	switch v := entity.(type) {
	case json.RawMessage:
		body = v
	case []byte:
		body = v
	default:
		b, err := json.Marshal(entity)
		if err != nil {
			p.log.Error().Err(err).Msg("failed to serialize event")
			metrics.EventsPublished.WithLabelValues("error").Inc()
			return
		}
		body = b
	}

	id, err := p.queue.Publish(ctx, body)
	if err != nil {
		p.log.Error().Err(err).Int("size", len(body)).Msg("failed to publish event")
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	p.log.Info().Str("message_id", id).Int("size", len(body)).Msg("event published")
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}
