// Package domain contains the Project aggregate and its transition table.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Project is the unit of orchestration: a customer website progressing from
// intake to a live deployment. It is never physically deleted; terminal
// failure is represented by the ERROR or SUSPENDED status.
type Project struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	CustomerID snowflake.ID `json:"customer_id" gorm:"not null;index"`
	Name       string       `json:"name" gorm:"type:text;not null"`
	Slug       string       `json:"slug" gorm:"type:text;not null;uniqueIndex"`
	Status     Status       `json:"status" gorm:"type:text;not null;index"`

	// Version is the optimistic concurrency token, incremented on every
	// committed transition. Commits are conditioned on it at the storage
	// layer.
	Version int64 `json:"version" gorm:"not null;default:0"`

	Provider    string            `json:"provider" gorm:"type:text;not null"`
	Environment string            `json:"environment" gorm:"type:text;not null"`
	CommitRef   *string           `json:"commit_ref" gorm:"type:text"`
	Metadata    datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Project) TableName() string { return "projects" }
