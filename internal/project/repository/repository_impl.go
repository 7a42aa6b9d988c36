package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteforge/siteforge/internal/project/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, project *domain.Project) error {
	if project == nil {
		return nil
	}
	return db.WithContext(ctx).Create(project).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Project, error) {
	var project domain.Project
	err := db.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Project, error) {
	var projects []*domain.Project
	stmt := db.WithContext(ctx).Model(&domain.Project{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if err := stmt.Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateStatusCAS bumps the version and status only when the stored version
// still matches fromVersion. A concurrent writer makes this affect zero rows.
func (r *repo) UpdateStatusCAS(ctx context.Context, db *gorm.DB, id snowflake.ID, fromVersion int64, to domain.Status, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ? AND version = ?", id, fromVersion).
		Updates(map[string]any{
			"status":     to,
			"version":    fromVersion + 1,
			"updated_at": at,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
