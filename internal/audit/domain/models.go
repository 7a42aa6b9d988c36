// Package domain contains the append-only audit trail model. One AuditEvent is
// written in the same transaction as the mutation it describes, so a committed
// mutation is never observable without its audit entry.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Action identifies what happened to the entity.
type Action string

const (
	ActionCreated             Action = "created"
	ActionUpdated             Action = "updated"
	ActionDeleted             Action = "deleted"
	ActionStatusChanged       Action = "status_changed"
	ActionDeploymentStarted   Action = "deployment_started"
	ActionDeploymentCompleted Action = "deployment_completed"
	ActionWebhookReceived     Action = "webhook_received"
)

// ActorType identifies who initiated the mutation.
type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeUser   ActorType = "user"
)

// EntityType values for the entities tracked by the orchestrator.
const (
	EntityTypeProject      = "project"
	EntityTypeDeployment   = "deployment"
	EntityTypeWebhookEvent = "webhook_event"
)

// AuditEvent is an immutable record of one committed mutation. Correlation to
// the mutated entity is by (entity_type, entity_id), not a foreign key, so the
// trail is generic over entity types.
type AuditEvent struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	EntityType string            `json:"entity_type" gorm:"type:text;not null;index:idx_audit_events_entity,priority:1"`
	EntityID   string            `json:"entity_id" gorm:"type:text;not null;index:idx_audit_events_entity,priority:2"`
	Action     Action            `json:"action" gorm:"type:text;not null;index"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id" gorm:"type:text"`
	OldValue   datatypes.JSON    `json:"old_value" gorm:"type:jsonb"`
	NewValue   datatypes.JSON    `json:"new_value" gorm:"type:jsonb"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	IPAddress  *string           `json:"ip_address" gorm:"type:text"`
	UserAgent  *string           `json:"user_agent" gorm:"type:text"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null;index"`
}

func (AuditEvent) TableName() string { return "audit_events" }

// AuditCursor is the keyset position for paginated listing.
type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows the audit query feed.
type ListFilter struct {
	EntityType string
	EntityID   string
	Action     string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
