package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status Status
	Limit  int
}

// Repository persists projects on the handle it is given. UpdateStatusCAS is
// the compare-and-swap commit: it reports zero affected rows when the stored
// version no longer matches.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, project *Project) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Project, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Project, error)
	UpdateStatusCAS(ctx context.Context, db *gorm.DB, id snowflake.ID, fromVersion int64, to Status, at time.Time) (int64, error)
}
