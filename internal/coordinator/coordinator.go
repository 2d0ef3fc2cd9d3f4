package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/metrics"
	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/queue"
)

// Scheduler durably starts the fan-out for one queue message.
type Scheduler interface {
	Schedule(ctx context.Context, messageID string, input []byte) (string, error)
}

type Options struct {
	Consumers   int
	PollBackoff time.Duration
}

// Coordinator moves messages from the queue into the orchestrator. A message
// is completed once its instance is durably scheduled, and abandoned otherwise.
type Coordinator struct {
	queue     queue.Queue
	scheduler Scheduler
	consumers int
	backoff   time.Duration
	log       zerolog.Logger
}

func New(q queue.Queue, scheduler Scheduler, opts Options, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		queue:     q,
		scheduler: scheduler,
		consumers: opts.Consumers,
		backoff:   opts.PollBackoff,
		log:       log.With().Str("component", "coordinator").Logger(),
	}
	if c.consumers <= 0 {
		c.consumers = 1
	}
	if c.backoff <= 0 {
		c.backoff = 2 * time.Second
	}
	return c
}

// Run consumes until ctx is cancelled or the queue is closed.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info().Int("consumers", c.consumers).Msg("starting coordinator")

	var wg sync.WaitGroup
	for i := 0; i < c.consumers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.consume(ctx, c.log.With().Int("consumer", n).Logger())
		}(i)
	}
	wg.Wait()
	c.log.Info().Msg("coordinator stopped")
}

func (c *Coordinator) consume(ctx context.Context, log zerolog.Logger) {
	for {
		msg, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error().Err(err).Dur("backoff", c.backoff).Msg("failed to receive message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		if err := c.HandleMessage(ctx, msg); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("message not scheduled")
		}
	}
}

// HandleMessage schedules one received message and acknowledges it exactly once.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *models.Message) error {
	instanceID, err := c.scheduler.Schedule(ctx, msg.ID, msg.Body)
	if err != nil {
		if aerr := c.queue.Abandon(ctx, msg); aerr != nil {
			c.log.Error().Err(aerr).Str("message_id", msg.ID).Msg("failed to abandon message")
		}
		metrics.QueueMessages.WithLabelValues("abandoned").Inc()
		return fmt.Errorf("schedule message %s: %w", msg.ID, err)
	}

	if err := c.queue.Complete(ctx, msg); err != nil {
		metrics.QueueMessages.WithLabelValues("complete_failed").Inc()
		return fmt.Errorf("complete message %s: %w", msg.ID, err)
	}
	metrics.QueueMessages.WithLabelValues("completed").Inc()
	c.log.Debug().
		Str("message_id", msg.ID).
		Str("instance_id", instanceID).
		Int("delivery_count", msg.DeliveryCount).
		Msg("message scheduled")
	return nil
}
