package queue

import (
	"context"
	"errors"

	"github.com/shohag/fanrelay/internal/models"
)

var (
	ErrClosed         = errors.New("queue: closed")
	ErrUnknownMessage = errors.New("queue: message is not in flight")
)

// Queue is an at-least-once broker. A received message stays locked to the
// receiver until it is completed (removed) or abandoned (returned for redelivery).
type Queue interface {
	Publish(ctx context.Context, body []byte) (string, error)
	Receive(ctx context.Context) (*models.Message, error)
	Complete(ctx context.Context, msg *models.Message) error
	Abandon(ctx context.Context, msg *models.Message) error
	Close() error
}

const defaultContentType = "application/json"
