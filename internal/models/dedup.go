package models

import "time"

// MessageIdRecord is the Dedup Store's record of a message_id's lifecycle
// (§3 MessageIdRecord, §4.1). It is not a GORM entity: the Dedup Store is an
// external KV store (Redis), not the Relational Store.
type MessageIdRecord struct {
	MessageID    string      `json:"message_id"`
	Status       DedupStatus `json:"status"`
	ProcessorID  string      `json:"processor_id,omitempty"`
	ProcessingID string      `json:"processing_id"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	WebhookCount int         `json:"webhook_count"`
	Error        string      `json:"error,omitempty"`
	Result       string      `json:"result,omitempty"`
}
