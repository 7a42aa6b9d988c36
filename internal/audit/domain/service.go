package domain

import (
	"context"
	"errors"
	"time"

	"github.com/siteforge/siteforge/pkg/db/pagination"
	"gorm.io/gorm"
)

// RecordRequest describes one mutation to append to the trail. OldValue and
// NewValue are marshaled to JSON by the service.
type RecordRequest struct {
	EntityType string
	EntityID   string
	Action     Action
	ActorType  string
	ActorID    *string
	OldValue   any
	NewValue   any
	Metadata   map[string]any
}

type HistoryRequest struct {
	EntityType string
	EntityID   string
}

type ListAuditEventsRequest struct {
	pagination.Pagination
	EntityType string
	EntityID   string
	Action     string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditEventsResponse struct {
	pagination.PageInfo
	AuditEvents []AuditEvent `json:"audit_events"`
}

// Service records and reads the audit trail. Record accepts the caller's
// transaction handle; passing nil uses the service's own connection.
type Service interface {
	Record(ctx context.Context, tx *gorm.DB, req RecordRequest) error
	History(ctx context.Context, req HistoryRequest) ([]AuditEvent, error)
	List(ctx context.Context, req ListAuditEventsRequest) (ListAuditEventsResponse, error)
}

// Repository persists audit events on the handle it is given.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditEvent) error
	History(ctx context.Context, db *gorm.DB, entityType, entityID string) ([]*AuditEvent, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditEvent, error)
}

var (
	ErrInvalidEntity    = errors.New("invalid_entity")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
