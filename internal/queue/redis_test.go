package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/fanrelay/internal/models"
)

func newRedisQueue(t *testing.T, maxDeliveries int) *RedisQueue {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping redis queue test")
	}
	stream := models.NewID("fanrelay-test")
	q, err := NewRedis(context.Background(), RedisOptions{
		URL:               url,
		Stream:            stream,
		Group:             "fanrelay-test",
		VisibilityTimeout: 50 * time.Millisecond,
		BlockTimeout:      100 * time.Millisecond,
		MaxDeliveries:     maxDeliveries,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		q.rdb.Del(context.Background(), stream, stream+":deadletter")
		q.Close()
	})
	return q
}

func TestRedisQueueCompleteRemovesEntry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := newRedisQueue(t, 3)

	id, err := q.Publish(ctx, []byte(`{"id":"42"}`))
	require.NoError(t, err)

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, `{"id":"42"}`, string(msg.Body))
	assert.Equal(t, 1, msg.DeliveryCount)
	assert.False(t, msg.EnqueuedAt.IsZero())

	require.NoError(t, q.Complete(ctx, msg))
	n, err := q.rdb.XLen(ctx, q.opts.Stream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueueAbandonRedeliversThenDeadLetters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := newRedisQueue(t, 2)

	_, err := q.Publish(ctx, []byte(`{}`))
	require.NoError(t, err)

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Abandon(ctx, first))

	time.Sleep(100 * time.Millisecond)
	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.DeliveryCount)
	require.NoError(t, q.Abandon(ctx, second))

	dead, err := q.rdb.XLen(ctx, q.opts.DeadLetterStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestEntryTime(t *testing.T) {
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), entryTime("1700000000000-0"))
	assert.True(t, entryTime("bogus").IsZero())
}
