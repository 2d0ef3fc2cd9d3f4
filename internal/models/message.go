package models

import "time"

// Message is one entry on the event queue. ID is assigned by the broker and is
// only used for acknowledgment.
type Message struct {
	ID            string    `json:"id"`
	Body          []byte    `json:"body"`
	ContentType   string    `json:"content_type"`
	DeliveryCount int       `json:"delivery_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
