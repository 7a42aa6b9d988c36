// Package domain contains the webhook ingestion model. Every delivery is
// persisted before any verification or interpretation, so a replayable record
// exists even for garbage input.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Result is the terminal processing outcome of one delivery. All results are
// acknowledged with 200; a sender retry of a terminal outcome dedups.
const (
	ResultProcessed        = "processed"
	ResultDuplicate        = "duplicate"
	ResultInvalidSignature = "invalid_signature"
	ResultInvalidPayload   = "invalid_payload"
	ResultUnmatchedTarget  = "unmatched_target"
	ResultUnknownSource    = "unknown_source"

	rejectedPrefix = "rejected:"
)

// Rejected builds the result for a delivery whose directive the state machine
// refused.
func Rejected(reason string) string {
	return rejectedPrefix + reason
}

// WebhookEvent is the durable record of one inbound delivery. DedupKey is
// unique; racing redeliveries serialize on the index rather than on
// application logic.
type WebhookEvent struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	Source     string         `json:"source" gorm:"type:text;not null;index"`
	EventType  string         `json:"event_type" gorm:"type:text"`
	DeliveryID *string        `json:"delivery_id" gorm:"type:text"`
	DedupKey   string         `json:"dedup_key" gorm:"type:text;not null;uniqueIndex"`
	Signature  string         `json:"signature" gorm:"type:text"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Processed  bool           `json:"processed" gorm:"not null;default:false"`
	Result     string         `json:"result" gorm:"type:text"`
	Error      *string        `json:"error" gorm:"type:text"`

	ReceivedAt  time.Time  `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time `json:"processed_at"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
