package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CompletionUpdate struct {
	Status       RunStatus
	IsSuccessful bool
	URL          *string
	Logs         *string
	CompletedAt  time.Time
}

// Repository persists deployments on the handle it is given. CompleteCAS only
// touches rows without a recorded completion, which makes completion writes
// idempotent under replays and races.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, deployment *Deployment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Deployment, error)
	FindByProviderRef(ctx context.Context, db *gorm.DB, provider, ref string) (*Deployment, error)
	FindActiveByProjectID(ctx context.Context, db *gorm.DB, projectID snowflake.ID) (*Deployment, error)
	ListByProject(ctx context.Context, db *gorm.DB, projectID snowflake.ID) ([]*Deployment, error)
	ListRunningOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Deployment, error)
	CompleteCAS(ctx context.Context, db *gorm.DB, id snowflake.ID, update CompletionUpdate) (int64, error)
	AppendLogs(ctx context.Context, db *gorm.DB, id snowflake.ID, chunk string, at time.Time) (int64, error)
	SetProviderRef(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string, at time.Time) error
	AbandonActive(ctx context.Context, db *gorm.DB, projectID snowflake.ID, at time.Time) (int64, error)
}
