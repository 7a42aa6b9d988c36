package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/internal/config"
	"github.com/siteforge/siteforge/internal/deployment/domain"
	"github.com/siteforge/siteforge/internal/observability/metrics"
	deployproviders "github.com/siteforge/siteforge/internal/providers/deploy"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const launchAttemptTimeout = 60 * time.Second

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Audit     auditdomain.Service
	Providers *deployproviders.Registry
	Policy    *config.PolicyHolder
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	audit     auditdomain.Service
	providers *deployproviders.Registry
	policy    *config.PolicyHolder
	metrics   *metrics.Metrics

	mu         sync.RWMutex
	dispatcher domain.Dispatcher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("deployment.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		audit:     p.Audit,
		providers: p.Providers,
		policy:    p.Policy,
		metrics:   p.Metrics,
	}
}

func (s *Service) BindDispatcher(dispatcher domain.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = dispatcher
}

func (s *Service) getDispatcher() domain.Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

func (s *Service) StartDeployment(ctx context.Context, req domain.StartDeploymentRequest) (domain.Deployment, error) {
	var deployment domain.Deployment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		created, err := s.CreateInTx(ctx, tx, req)
		if err != nil {
			return err
		}
		deployment = created
		return nil
	})
	if err != nil {
		return domain.Deployment{}, err
	}
	s.Launch(deployment)
	return deployment, nil
}

// CreateInTx inserts the RUNNING record and its audit entry on the caller's
// transaction. The single-active-run rule is enforced here before insert.
func (s *Service) CreateInTx(ctx context.Context, tx *gorm.DB, req domain.StartDeploymentRequest) (domain.Deployment, error) {
	projectID, err := snowflake.ParseString(strings.TrimSpace(req.ProjectID))
	if err != nil || projectID == 0 {
		return domain.Deployment{}, domain.ErrInvalidDeployment
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	version := strings.TrimSpace(req.Version)
	environment := strings.ToLower(strings.TrimSpace(req.Environment))
	if provider == "" || version == "" || environment == "" {
		return domain.Deployment{}, domain.ErrInvalidDeployment
	}

	active, err := s.repo.FindActiveByProjectID(ctx, tx, projectID)
	if err != nil {
		return domain.Deployment{}, err
	}
	if active != nil {
		return domain.Deployment{}, domain.ErrConcurrentDeployment
	}

	now := s.clock.Now()
	deployment := domain.Deployment{
		ID:          s.genID.Generate(),
		ProjectID:   projectID,
		Provider:    provider,
		Environment: environment,
		Version:     version,
		CommitRef:   req.CommitRef,
		Status:      domain.RunStatusRunning,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, tx, &deployment); err != nil {
		return domain.Deployment{}, err
	}

	if err := s.audit.Record(ctx, tx, auditdomain.RecordRequest{
		EntityType: auditdomain.EntityTypeDeployment,
		EntityID:   deployment.ID.String(),
		Action:     auditdomain.ActionDeploymentStarted,
		NewValue:   deployment,
		Metadata:   map[string]any{"project_id": projectID.String()},
	}); err != nil {
		return domain.Deployment{}, err
	}

	s.metrics.RecordDeployment(ctx, provider, "started")
	return deployment, nil
}

// Launch hands the run to its provider in the background with bounded retry.
// Only transient failures are retried; exhausting the budget or hitting a
// permanent failure records the run as failed.
func (s *Service) Launch(deployment domain.Deployment) {
	go s.launch(deployment)
}

func (s *Service) launch(deployment domain.Deployment) {
	log := s.log.With(
		zap.String("deployment_id", deployment.ID.String()),
		zap.String("project_id", deployment.ProjectID.String()),
		zap.String("provider", deployment.Provider),
	)

	provider, err := s.providers.Get(deployment.Provider)
	if err != nil {
		log.Error("no provider registered for deployment")
		s.failRun(deployment, "provider not registered: "+deployment.Provider)
		return
	}

	policy := s.policy.Get().Deploy
	backoff := policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		ref, err := s.deployOnce(provider, deployment)
		if err == nil {
			if err := s.repo.SetProviderRef(context.Background(), s.db, deployment.ID, ref, s.clock.Now()); err != nil {
				log.Error("failed to record provider ref", zap.Error(err))
			}
			log.Info("deployment handed to provider",
				zap.String("provider_ref", ref),
				zap.Int("attempt", attempt),
			)
			return
		}

		lastErr = err
		if !deployproviders.IsTransient(err) {
			log.Warn("provider rejected deployment", zap.Error(err))
			break
		}
		log.Warn("provider launch attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < policy.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}

	s.failRun(deployment, "provider launch failed: "+lastErr.Error())
}

func (s *Service) deployOnce(provider deployproviders.Provider, deployment domain.Deployment) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), launchAttemptTimeout)
	defer cancel()

	commitRef := ""
	if deployment.CommitRef != nil {
		commitRef = *deployment.CommitRef
	}
	return provider.Deploy(ctx, deployproviders.Request{
		DeploymentID: deployment.ID.String(),
		ProjectID:    deployment.ProjectID.String(),
		Version:      deployment.Version,
		Environment:  deployment.Environment,
		CommitRef:    commitRef,
	})
}

func (s *Service) failRun(deployment domain.Deployment, reason string) {
	logs := reason + "\n"
	_, err := s.RecordCompletion(context.Background(), domain.CompletionRequest{
		DeploymentID: deployment.ID.String(),
		Success:      false,
		Logs:         &logs,
		CompletedAt:  s.clock.Now(),
	})
	if err != nil {
		s.log.Error("failed to record launch failure",
			zap.String("deployment_id", deployment.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) AbandonActiveInTx(ctx context.Context, tx *gorm.DB, projectID string) error {
	id, err := snowflake.ParseString(strings.TrimSpace(projectID))
	if err != nil || id == 0 {
		return domain.ErrInvalidDeployment
	}
	active, err := s.repo.FindActiveByProjectID(ctx, tx, id)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	if _, err := s.repo.AbandonActive(ctx, tx, id, s.clock.Now()); err != nil {
		return err
	}
	return s.audit.Record(ctx, tx, auditdomain.RecordRequest{
		EntityType: auditdomain.EntityTypeDeployment,
		EntityID:   active.ID.String(),
		Action:     auditdomain.ActionUpdated,
		OldValue:   map[string]any{"status": active.Status},
		NewValue:   map[string]any{"status": domain.RunStatusAbandoned},
		Metadata:   map[string]any{"project_id": id.String(), "reason": "superseded"},
	})
}

// RecordCompletion records the run outcome exactly once. A replay returns the
// stored outcome without writing anything or dispatching a command. Only a
// completion that closed a RUNNING record drives the project forward; an
// abandoned run's outcome is persisted but dispatches nothing.
func (s *Service) RecordCompletion(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(req.DeploymentID))
	if err != nil || id == 0 {
		return domain.CompletionResult{}, domain.ErrInvalidDeployment
	}

	deployment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if deployment == nil {
		return domain.CompletionResult{}, domain.ErrDeploymentNotFound
	}
	if deployment.Completed() {
		return domain.CompletionResult{Deployment: *deployment, AlreadyCompleted: true}, nil
	}

	wasRunning := deployment.Status == domain.RunStatusRunning
	status := domain.RunStatusSucceeded
	if !req.Success {
		status = domain.RunStatusFailed
	}
	completedAt := req.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.clock.Now()
	}

	var replayed bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.CompleteCAS(ctx, tx, id, domain.CompletionUpdate{
			Status:       status,
			IsSuccessful: req.Success,
			URL:          req.URL,
			Logs:         req.Logs,
			CompletedAt:  completedAt,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			// Lost the race against a concurrent completion.
			replayed = true
			return nil
		}
		return s.audit.Record(ctx, tx, auditdomain.RecordRequest{
			EntityType: auditdomain.EntityTypeDeployment,
			EntityID:   id.String(),
			Action:     auditdomain.ActionDeploymentCompleted,
			OldValue:   map[string]any{"status": deployment.Status},
			NewValue:   map[string]any{"status": status, "is_successful": req.Success},
			Metadata:   map[string]any{"project_id": deployment.ProjectID.String()},
		})
	})
	if err != nil {
		return domain.CompletionResult{}, err
	}

	stored, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if stored == nil {
		return domain.CompletionResult{}, domain.ErrDeploymentNotFound
	}
	if replayed {
		return domain.CompletionResult{Deployment: *stored, AlreadyCompleted: true}, nil
	}

	outcome := "failed"
	if req.Success {
		outcome = "succeeded"
	}
	s.metrics.RecordDeployment(ctx, deployment.Provider, outcome)

	if wasRunning {
		s.dispatchCompletion(ctx, *stored, req.Success)
	} else {
		s.log.Info("late completion recorded for superseded deployment",
			zap.String("deployment_id", id.String()),
			zap.Bool("success", req.Success),
		)
	}

	return domain.CompletionResult{Deployment: *stored}, nil
}

func (s *Service) dispatchCompletion(ctx context.Context, deployment domain.Deployment, success bool) {
	dispatcher := s.getDispatcher()
	if dispatcher == nil {
		s.log.Warn("completion recorded with no dispatcher bound",
			zap.String("deployment_id", deployment.ID.String()),
		)
		return
	}

	command := projectdomain.CommandDeploySucceeded
	if !success {
		command = projectdomain.CommandDeployFailed
	}

	_, err := dispatcher.RequestTransition(ctx, projectdomain.TransitionRequest{
		ProjectID: deployment.ProjectID.String(),
		Command:   command,
	})
	switch {
	case err == nil:
	case errors.Is(err, projectdomain.ErrInvalidTransition), errors.Is(err, projectdomain.ErrConflict):
		// The project moved on; the outcome stays recorded and drives nothing.
		s.log.Warn("completion command rejected by state machine",
			zap.String("deployment_id", deployment.ID.String()),
			zap.String("command", string(command)),
			zap.Error(err),
		)
	default:
		s.log.Error("failed to dispatch completion command",
			zap.String("deployment_id", deployment.ID.String()),
			zap.String("command", string(command)),
			zap.Error(err),
		)
	}
}

func (s *Service) AppendLogs(ctx context.Context, deploymentID, chunk string) error {
	id, err := snowflake.ParseString(strings.TrimSpace(deploymentID))
	if err != nil || id == 0 {
		return domain.ErrInvalidDeployment
	}
	if chunk == "" {
		return nil
	}

	rows, err := s.repo.AppendLogs(ctx, s.db, id, chunk, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		existing, err := s.repo.FindByID(ctx, s.db, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrDeploymentNotFound
		}
		return domain.ErrDeploymentCompleted
	}
	return nil
}

// ReconcileStuck closes runs the provider never reported back on. Each one is
// failed through the normal completion path so audit and dispatch behave as if
// the provider had reported the failure.
func (s *Service) ReconcileStuck(ctx context.Context, runningTimeout time.Duration, limit int) (int, error) {
	cutoff := s.clock.Now().Add(-runningTimeout)
	stuck, err := s.repo.ListRunningOlderThan(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, deployment := range stuck {
		if deployment == nil {
			continue
		}
		logs := "deployment timed out waiting for provider report\n"
		result, err := s.RecordCompletion(ctx, domain.CompletionRequest{
			DeploymentID: deployment.ID.String(),
			Success:      false,
			Logs:         &logs,
			CompletedAt:  s.clock.Now(),
		})
		if err != nil {
			s.log.Error("failed to reconcile stuck deployment",
				zap.String("deployment_id", deployment.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !result.AlreadyCompleted {
			closed++
		}
	}
	return closed, nil
}

func (s *Service) Get(ctx context.Context, rawID string) (domain.Deployment, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(rawID))
	if err != nil || id == 0 {
		return domain.Deployment{}, domain.ErrInvalidDeployment
	}
	deployment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Deployment{}, err
	}
	if deployment == nil {
		return domain.Deployment{}, domain.ErrDeploymentNotFound
	}
	return *deployment, nil
}

func (s *Service) GetByProviderRef(ctx context.Context, provider, ref string) (domain.Deployment, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ref = strings.TrimSpace(ref)
	if provider == "" || ref == "" {
		return domain.Deployment{}, domain.ErrInvalidDeployment
	}
	deployment, err := s.repo.FindByProviderRef(ctx, s.db, provider, ref)
	if err != nil {
		return domain.Deployment{}, err
	}
	if deployment == nil {
		return domain.Deployment{}, domain.ErrDeploymentNotFound
	}
	return *deployment, nil
}

func (s *Service) ListByProject(ctx context.Context, projectID string) ([]domain.Deployment, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(projectID))
	if err != nil || id == 0 {
		return nil, domain.ErrInvalidDeployment
	}
	items, err := s.repo.ListByProject(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	deployments := make([]domain.Deployment, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		deployments = append(deployments, *item)
	}
	return deployments, nil
}
