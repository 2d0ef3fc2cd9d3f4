package models

import (
	"fmt"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	t := time.Now()
	entropy := ulid.Monotonic(mrand.New(mrand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

func NewSubscriptionID() string {
	return uuid.NewString()
}

// InstanceIDFor derives the orchestration instance id from a queue message id,
// so a redelivered message maps onto the instance it already scheduled.
func InstanceIDFor(messageID string) string {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return NewID("orc")
	}
	return "orc_" + strings.NewReplacer(" ", "", "/", "-").Replace(messageID)
}
