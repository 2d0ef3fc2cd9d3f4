package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/fanrelay/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrLeaseLost = errors.New("storage: lease held by another owner")
)

// SubscriptionStore holds webhook subscriptions. Writes are insert-only apart
// from the active flag.
type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
}

// Journal is the durable checkpoint log behind the fan-out engine.
type Journal interface {
	CreateInstance(ctx context.Context, inst *models.Instance) (created bool, err error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context, status models.InstanceStatus, limit int) ([]models.Instance, error)
	ClaimDueInstances(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]models.Instance, error)
	// RenewLease extends a running instance's lease while owner still holds it.
	RenewLease(ctx context.Context, id, owner string, until time.Time) error

	// RecordSnapshot writes the task set of an instance exactly once. A second
	// call for the same instance is a no-op.
	RecordSnapshot(ctx context.Context, instanceID string, tasks []models.Task) error
	ListTasks(ctx context.Context, instanceID string) ([]models.Task, error)
	CompleteTask(ctx context.Context, task *models.Task) error

	CompleteInstance(ctx context.Context, id string) error
	RetryInstance(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastErr string) error
	FailInstance(ctx context.Context, id string, attempts int, lastErr string) error
}

type Storage interface {
	SubscriptionStore
	Journal

	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalSubscriptions  int64 `json:"total_subscriptions"`
	ActiveSubscriptions int64 `json:"active_subscriptions"`
	RunningInstances    int64 `json:"running_instances"`
	CompletedInstances  int64 `json:"completed_instances"`
	FailedInstances     int64 `json:"failed_instances"`
	DeliveredTasks      int64 `json:"delivered_tasks"`
	FailedTasks         int64 `json:"failed_tasks"`
}
