package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteforge/siteforge/internal/deployment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// logsAppendExpr concatenates onto the logs column. MySQL treats || as
// logical OR, so it gets CONCAT; postgres and sqlite take the operator.
func logsAppendExpr(dialect, chunk string) clause.Expr {
	if dialect == "mysql" {
		return gorm.Expr("CONCAT(logs, ?)", chunk)
	}
	return gorm.Expr("logs || ?", chunk)
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, deployment *domain.Deployment) error {
	if deployment == nil {
		return nil
	}
	return db.WithContext(ctx).Create(deployment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Deployment, error) {
	var deployment domain.Deployment
	err := db.WithContext(ctx).First(&deployment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deployment, nil
}

func (r *repo) FindByProviderRef(ctx context.Context, db *gorm.DB, provider, ref string) (*domain.Deployment, error) {
	var deployment domain.Deployment
	err := db.WithContext(ctx).
		Where("provider = ? AND provider_ref = ?", provider, ref).
		Order("started_at desc").
		First(&deployment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deployment, nil
}

func (r *repo) FindActiveByProjectID(ctx context.Context, db *gorm.DB, projectID snowflake.ID) (*domain.Deployment, error) {
	var deployment domain.Deployment
	err := db.WithContext(ctx).
		Where("project_id = ? AND status = ?", projectID, domain.RunStatusRunning).
		First(&deployment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deployment, nil
}

func (r *repo) ListByProject(ctx context.Context, db *gorm.DB, projectID snowflake.ID) ([]*domain.Deployment, error) {
	var deployments []*domain.Deployment
	err := db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("started_at desc, id desc").
		Find(&deployments).Error
	if err != nil {
		return nil, err
	}
	return deployments, nil
}

func (r *repo) ListRunningOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Deployment, error) {
	var deployments []*domain.Deployment
	stmt := db.WithContext(ctx).
		Where("status = ? AND started_at < ?", domain.RunStatusRunning, cutoff).
		Order("started_at asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&deployments).Error; err != nil {
		return nil, err
	}
	return deployments, nil
}

// CompleteCAS records the outcome only when no completion has been recorded
// yet. An abandoned run keeps its ABANDONED status but still gets the outcome
// fields, so late provider reports are never lost.
func (r *repo) CompleteCAS(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.CompletionUpdate) (int64, error) {
	values := map[string]any{
		"status":        gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", domain.RunStatusRunning, update.Status),
		"is_successful": update.IsSuccessful,
		"completed_at":  update.CompletedAt,
		"updated_at":    update.CompletedAt,
	}
	if update.URL != nil {
		values["url"] = *update.URL
	}
	if update.Logs != nil {
		values["logs"] = logsAppendExpr(db.Dialector.Name(), *update.Logs)
	}

	result := db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("id = ? AND completed_at IS NULL", id).
		Updates(values)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) AppendLogs(ctx context.Context, db *gorm.DB, id snowflake.ID, chunk string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("id = ? AND completed_at IS NULL", id).
		Updates(map[string]any{
			"logs":       logsAppendExpr(db.Dialector.Name(), chunk),
			"updated_at": at,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) SetProviderRef(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"provider_ref": ref,
			"updated_at":   at,
		}).Error
}

func (r *repo) AbandonActive(ctx context.Context, db *gorm.DB, projectID snowflake.ID, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("project_id = ? AND status = ?", projectID, domain.RunStatusRunning).
		Updates(map[string]any{
			"status":     domain.RunStatusAbandoned,
			"updated_at": at,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
