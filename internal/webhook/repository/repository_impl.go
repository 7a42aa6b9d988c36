package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteforge/siteforge/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) error {
	if event == nil {
		return nil
	}
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) FindByDedupKey(ctx context.Context, db *gorm.DB, dedupKey string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).First(&event, "dedup_key = ?", dedupKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, eventType, result string, errMsg *string, at time.Time) error {
	values := map[string]any{
		"processed":    true,
		"result":       result,
		"processed_at": at,
		"updated_at":   at,
	}
	if eventType != "" {
		values["event_type"] = eventType
	}
	if errMsg != nil {
		values["error"] = *errMsg
	}
	return db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(values).Error
}
