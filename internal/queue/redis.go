package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/shohag/fanrelay/internal/models"
)

type RedisOptions struct {
	URL              string
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	// VisibilityTimeout is how long a received message stays locked before
	// another consumer may reclaim it.
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
	MaxDeliveries     int
}

// RedisQueue implements Queue on a Redis stream with a consumer group.
// Complete acknowledges and deletes the entry. Abandon leaves it pending so it
// is reclaimed after the visibility timeout, or moves it to the dead-letter
// stream once the delivery budget is spent.
type RedisQueue struct {
	rdb  *redis.Client
	opts RedisOptions
}

func NewRedis(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisWithClient(ctx, redis.NewClient(opt), opts)
}

func NewRedisWithClient(ctx context.Context, rdb *redis.Client, opts RedisOptions) (*RedisQueue, error) {
	if opts.Stream == "" || opts.Group == "" {
		return nil, errors.New("queue: redis stream and group are required")
	}
	if opts.Consumer == "" {
		opts.Consumer = models.NewID("consumer")
	}
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = opts.Stream + ":deadletter"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	err := rdb.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &RedisQueue{rdb: rdb, opts: opts}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, body []byte) (string, error) {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"body":         string(body),
			"content_type": defaultContentType,
		},
	}).Result()
}

func (q *RedisQueue) Receive(ctx context.Context) (*models.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Entries locked past the visibility timeout belong to a crashed or
		// abandoning consumer and are handed out first.
		claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("reclaim pending: %w", err)
		}
		if len(claimed) > 0 && claimed[0].Values != nil {
			return q.toMessage(ctx, claimed[0])
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    1,
			Block:    q.opts.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read group: %w", err)
		}
		for _, s := range streams {
			if len(s.Messages) > 0 {
				return q.toMessage(ctx, s.Messages[0])
			}
		}
	}
}

func (q *RedisQueue) toMessage(ctx context.Context, m redis.XMessage) (*models.Message, error) {
	msg := &models.Message{
		ID:            m.ID,
		ContentType:   defaultContentType,
		DeliveryCount: 1,
		EnqueuedAt:    entryTime(m.ID),
	}
	if body, ok := m.Values["body"].(string); ok {
		msg.Body = []byte(body)
	}
	if ct, ok := m.Values["content_type"].(string); ok && ct != "" {
		msg.ContentType = ct
	}

	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  m.ID,
		End:    m.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		msg.DeliveryCount = int(pending[0].RetryCount)
	}
	return msg, nil
}

func (q *RedisQueue) Complete(ctx context.Context, msg *models.Message) error {
	pipe := q.rdb.TxPipeline()
	ack := pipe.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ID)
	pipe.XDel(ctx, q.opts.Stream, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if ack.Val() == 0 {
		return ErrUnknownMessage
	}
	return nil
}

func (q *RedisQueue) Abandon(ctx context.Context, msg *models.Message) error {
	if q.opts.MaxDeliveries <= 0 || msg.DeliveryCount < q.opts.MaxDeliveries {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.DeadLetterStream,
		Values: map[string]interface{}{
			"body":           string(msg.Body),
			"content_type":   msg.ContentType,
			"original_id":    msg.ID,
			"delivery_count": msg.DeliveryCount,
		},
	})
	pipe.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ID)
	pipe.XDel(ctx, q.opts.Stream, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// entryTime decodes the millisecond prefix of a stream entry id.
func entryTime(id string) time.Time {
	var ms int64
	if _, err := fmt.Sscanf(id, "%d-", &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
