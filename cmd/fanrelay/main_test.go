package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/fanrelay/internal/config"
	"github.com/shohag/fanrelay/internal/queue"
)

func TestSetupQueueWarnsForMemoryDriver(t *testing.T) {
	var logs bytes.Buffer
	q, err := setupQueue(context.Background(), config.QueueConfig{Driver: "memory", MaxDeliveries: 3}, zerolog.New(&logs))
	require.NoError(t, err)
	defer q.Close()

	assert.IsType(t, &queue.MemoryQueue{}, q)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "lost on restart")
}

func TestSetupQueueRejectsUnknownDriver(t *testing.T) {
	_, err := setupQueue(context.Background(), config.QueueConfig{Driver: "kafka"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unsupported queue driver")
}
