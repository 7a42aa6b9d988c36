package domain

import (
	"context"
	"errors"
)

type CreateProjectRequest struct {
	CustomerID  string
	Name        string
	Provider    string
	Environment string
	Metadata    map[string]any
}

type TransitionRequest struct {
	ProjectID string
	Command   Command

	// ExpectedVersion, when set, must match the stored version or the
	// transition is rejected with ErrConflict without mutating anything.
	ExpectedVersion *int64
}

type TransitionResponse struct {
	Status  Status `json:"status"`
	Version int64  `json:"version"`
}

type StatusResponse struct {
	Status  Status `json:"status"`
	Version int64  `json:"version"`
}

type ListProjectsRequest struct {
	Status Status
	Limit  int
}

// Service owns the project state machine. RequestTransition is the only way a
// project mutates after creation.
type Service interface {
	Create(ctx context.Context, req CreateProjectRequest) (Project, error)
	Get(ctx context.Context, id string) (Project, error)
	List(ctx context.Context, req ListProjectsRequest) ([]Project, error)
	GetStatus(ctx context.Context, id string) (StatusResponse, error)
	RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResponse, error)
}

var (
	ErrProjectNotFound   = errors.New("project_not_found")
	ErrInvalidProject    = errors.New("invalid_project")
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidCommand    = errors.New("invalid_command")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrConflict          = errors.New("version_conflict")
)
