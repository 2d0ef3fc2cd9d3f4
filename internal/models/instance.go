package models

import "time"

type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskDelivered TaskStatus = "delivered"
	TaskFailed    TaskStatus = "failed"
)

// Instance is one durable fan-out run for a single event.
type Instance struct {
	ID            string         `json:"id"`
	MessageID     string         `json:"message_id"`
	Input         []byte         `json:"input"`
	Status        InstanceStatus `json:"status"`
	SnapshotTaken bool           `json:"snapshot_taken"`
	Attempts      int            `json:"attempts"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LeaseOwner    string         `json:"lease_owner,omitempty"`
	LeaseUntil    *time.Time     `json:"lease_until,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Task is a single subscriber delivery inside an instance. The delivered body
// is always the instance input.
type Task struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instance_id"`
	SubscriptionID string     `json:"subscription_id"`
	URL            string     `json:"url"`
	Position       int        `json:"position"`
	Status         TaskStatus `json:"status"`
	StatusCode     int        `json:"status_code"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (t Task) Done() bool {
	return t.Status == TaskDelivered || t.Status == TaskFailed
}
