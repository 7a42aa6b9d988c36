package domain

import (
	"context"
	"errors"
	"time"

	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	"gorm.io/gorm"
)

type StartDeploymentRequest struct {
	ProjectID   string
	Provider    string
	Version     string
	Environment string
	CommitRef   *string
}

type CompletionRequest struct {
	DeploymentID string
	Success      bool
	URL          *string
	Logs         *string
	CompletedAt  time.Time
}

// CompletionResult reports the recorded outcome. AlreadyCompleted is true when
// the call was a replay and the original outcome is returned untouched.
type CompletionResult struct {
	Deployment       Deployment
	AlreadyCompleted bool
}

// Dispatcher issues follow-up orchestrator commands once a completion is
// recorded. It is bound after construction to keep the dependency graph
// acyclic (the orchestrator also depends on this package).
type Dispatcher interface {
	RequestTransition(ctx context.Context, req projectdomain.TransitionRequest) (projectdomain.TransitionResponse, error)
}

// Service drives deployment runs. StartDeployment commits the running record
// quickly; the provider call runs outside any transaction and its result
// arrives later through RecordCompletion.
type Service interface {
	StartDeployment(ctx context.Context, req StartDeploymentRequest) (Deployment, error)

	// CreateInTx creates the running record on the orchestrator's
	// transaction. The caller launches the run after commit.
	CreateInTx(ctx context.Context, tx *gorm.DB, req StartDeploymentRequest) (Deployment, error)

	// Launch invokes the provider asynchronously with bounded retry.
	Launch(deployment Deployment)

	// BindDispatcher wires the orchestrator command sink after the DI
	// graph is built. Completions recorded before binding are persisted
	// but dispatch no follow-up command.
	BindDispatcher(dispatcher Dispatcher)

	// AbandonActiveInTx marks the project's running deployment superseded.
	AbandonActiveInTx(ctx context.Context, tx *gorm.DB, projectID string) error

	RecordCompletion(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	AppendLogs(ctx context.Context, deploymentID, chunk string) error

	// ReconcileStuck fails runs that have been RUNNING longer than
	// runningTimeout and reports how many it closed.
	ReconcileStuck(ctx context.Context, runningTimeout time.Duration, limit int) (int, error)

	Get(ctx context.Context, id string) (Deployment, error)
	GetByProviderRef(ctx context.Context, provider, ref string) (Deployment, error)
	ListByProject(ctx context.Context, projectID string) ([]Deployment, error)
}

var (
	ErrDeploymentNotFound   = errors.New("deployment_not_found")
	ErrInvalidDeployment    = errors.New("invalid_deployment")
	ErrConcurrentDeployment = errors.New("concurrent_deployment")
	ErrDeploymentCompleted  = errors.New("deployment_completed")
)
