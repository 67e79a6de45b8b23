package model

import "time"

// IdempotencyStatus tracks the lifecycle of a logical send. Statuses only
// ever move forward; SENT never regresses (spec §3 invariant).
type IdempotencyStatus string

const (
	StatusQueued  IdempotencyStatus = "QUEUED"
	StatusSent    IdempotencyStatus = "SENT"
	StatusFailed  IdempotencyStatus = "FAILED"
	StatusSkipped IdempotencyStatus = "SKIPPED"
)

// IdempotencyRecord is the persisted unit of the IdempotencyStore (spec §3, §4.1).
type IdempotencyRecord struct {
	Key                string            `json:"key"`
	InstanceName       string            `json:"instanceName"`
	QueueItemID        string            `json:"queueItemId"`
	Status             IdempotencyStatus `json:"status"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	SentAt             time.Time         `json:"sentAt,omitempty"`
	ProviderMessageID  string            `json:"providerMessageId,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// Clone returns a shallow copy safe to hand to callers outside the store lock.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	return r
}
