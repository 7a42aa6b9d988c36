// Package domain contains the Deployment model: one attempt to materialize a
// project on a provider.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RunStatus represents the run state of a deployment.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"

	// RunStatusAbandoned marks a run superseded by the project leaving
	// DEPLOYING through another path. The in-flight provider call is not
	// cancelled; a late completion is still recorded against the row.
	RunStatusAbandoned RunStatus = "ABANDONED"
)

// Deployment is one attempt to realize a project's current version on a
// provider/environment. At most one deployment per project is RUNNING at any
// time. Completed rows are immutable except that logs may be appended before
// completion.
type Deployment struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	ProjectID   snowflake.ID `json:"project_id" gorm:"not null;index"`
	Provider    string       `json:"provider" gorm:"type:text;not null"`
	Environment string       `json:"environment" gorm:"type:text;not null"`
	Version     string       `json:"version" gorm:"type:text;not null"`
	CommitRef   *string      `json:"commit_ref" gorm:"type:text"`
	ProviderRef *string      `json:"provider_ref" gorm:"type:text;index"`
	URL         *string      `json:"url" gorm:"type:text"`
	Status      RunStatus    `json:"status" gorm:"type:text;not null;index"`
	Logs        string       `json:"logs" gorm:"type:text"`

	StartedAt    time.Time  `json:"started_at" gorm:"not null"`
	CompletedAt  *time.Time `json:"completed_at"`
	IsSuccessful *bool      `json:"is_successful"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Deployment) TableName() string { return "deployments" }

// Completed reports whether the run reached a recorded outcome.
func (d Deployment) Completed() bool {
	return d.CompletedAt != nil
}
