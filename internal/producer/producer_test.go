package producer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/fanrelay/internal/metrics"
	"github.com/shohag/fanrelay/internal/queue"
)

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, body []byte) (string, error) {
	return "", errors.New("broker unreachable")
}

func TestPublishSerializesEntity(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(0)
	p := New(q, zerolog.Nop())

	p.Publish(ctx, map[string]string{"id": "42"})
	p.Publish(ctx, json.RawMessage(`{"id": "raw"}`))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42"}`, string(first.Body))
	assert.Equal(t, "application/json", first.ContentType)

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id": "raw"}`, string(second.Body))
}

func TestPublishSwallowsFailures(t *testing.T) {
	before := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("error"))

	p := New(failingPublisher{}, zerolog.Nop())
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), map[string]string{"id": "42"})
		p.Publish(context.Background(), make(chan int))
	})

	after := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("error"))
	assert.Equal(t, before+2, after)
}
