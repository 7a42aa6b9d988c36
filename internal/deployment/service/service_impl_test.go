package service_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	auditrepo "github.com/siteforge/siteforge/internal/audit/repository"
	auditservice "github.com/siteforge/siteforge/internal/audit/service"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/internal/config"
	"github.com/siteforge/siteforge/internal/deployment/domain"
	deploymentrepo "github.com/siteforge/siteforge/internal/deployment/repository"
	deploymentservice "github.com/siteforge/siteforge/internal/deployment/service"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	projectrepo "github.com/siteforge/siteforge/internal/project/repository"
	projectservice "github.com/siteforge/siteforge/internal/project/service"
	deployproviders "github.com/siteforge/siteforge/internal/providers/deploy"
	webhookdomain "github.com/siteforge/siteforge/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubProvider struct {
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return "builder" }

func (p *stubProvider) Deploy(ctx context.Context, req deployproviders.Request) (string, error) {
	p.calls.Add(1)
	return "run-" + req.DeploymentID, nil
}

type harness struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clock.FakeClock
	audit       auditdomain.Service
	deployments domain.Service
	projects    projectdomain.Service
	provider    *stubProvider
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:deployment_svc_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&projectdomain.Project{},
		&domain.Deployment{},
		&webhookdomain.WebhookEvent{},
		&auditdomain.AuditEvent{},
	))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(8)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  auditrepo.Provide(),
	})

	provider := &stubProvider{}
	registry := deployproviders.NewRegistry()
	registry.Register(provider)

	deploymentSvc := deploymentservice.NewService(deploymentservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Repo:      deploymentrepo.Provide(),
		Audit:     auditSvc,
		Providers: registry,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPolicyConfig()),
	})

	projectSvc := projectservice.NewService(projectservice.Params{
		Cfg:         config.Config{DeployProviderName: "builder"},
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		Repo:        projectrepo.Provide(),
		Audit:       auditSvc,
		Deployments: deploymentSvc,
	})
	deploymentSvc.BindDispatcher(projectSvc)

	return &harness{
		db:          db,
		node:        node,
		clock:       fake,
		audit:       auditSvc,
		deployments: deploymentSvc,
		projects:    projectSvc,
		provider:    provider,
	}
}

// deployingProject walks a fresh project through the state machine until a
// RUNNING deployment exists.
func (h *harness) deployingProject(t *testing.T) (projectdomain.Project, domain.Deployment) {
	t.Helper()
	ctx := context.Background()

	project, err := h.projects.Create(ctx, projectdomain.CreateProjectRequest{
		CustomerID: h.node.Generate().String(),
		Name:       "Acme Storefront",
	})
	require.NoError(t, err)

	for _, command := range []projectdomain.Command{
		projectdomain.CommandSubmitSpec,
		projectdomain.CommandConfirmPayment,
		projectdomain.CommandStartProvisioning,
		projectdomain.CommandRepoReady,
		projectdomain.CommandStartDeploy,
	} {
		_, err := h.projects.RequestTransition(ctx, projectdomain.TransitionRequest{
			ProjectID: project.ID.String(),
			Command:   command,
		})
		require.NoError(t, err)
	}

	runs, err := h.deployments.ListByProject(ctx, project.ID.String())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.RunStatusRunning, runs[0].Status)

	reloaded, err := h.projects.Get(ctx, project.ID.String())
	require.NoError(t, err)
	return reloaded, runs[0]
}

func TestStartDeploymentRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, _ := h.deployingProject(t)

	_, err := h.deployments.StartDeployment(ctx, domain.StartDeploymentRequest{
		ProjectID:   project.ID.String(),
		Provider:    "builder",
		Version:     "v2",
		Environment: "production",
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentDeployment)
}

func TestStartDeploymentValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.deployments.StartDeployment(context.Background(), domain.StartDeploymentRequest{
		ProjectID:   "garbage",
		Provider:    "builder",
		Version:     "v1",
		Environment: "production",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidDeployment)

	_, err = h.deployments.StartDeployment(context.Background(), domain.StartDeploymentRequest{
		ProjectID:   h.node.Generate().String(),
		Provider:    "builder",
		Environment: "production",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidDeployment)
}

func TestRecordCompletionSuccessDrivesProjectForward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, run := h.deployingProject(t)

	url := "https://acme-storefront.example.com"
	logs := "build ok\n"
	result, err := h.deployments.RecordCompletion(ctx, domain.CompletionRequest{
		DeploymentID: run.ID.String(),
		Success:      true,
		URL:          &url,
		Logs:         &logs,
		CompletedAt:  h.clock.Now(),
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyCompleted)
	assert.Equal(t, domain.RunStatusSucceeded, result.Deployment.Status)
	require.NotNil(t, result.Deployment.URL)
	assert.Equal(t, url, *result.Deployment.URL)
	require.NotNil(t, result.Deployment.IsSuccessful)
	assert.True(t, *result.Deployment.IsSuccessful)
	assert.NotNil(t, result.Deployment.CompletedAt)

	status, err := h.projects.GetStatus(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projectdomain.StatusAwaitingDNS, status.Status)
}

func TestRecordCompletionFailureDrivesProjectToError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, run := h.deployingProject(t)

	logs := "build exploded\n"
	result, err := h.deployments.RecordCompletion(ctx, domain.CompletionRequest{
		DeploymentID: run.ID.String(),
		Success:      false,
		Logs:         &logs,
		CompletedAt:  h.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, result.Deployment.Status)

	status, err := h.projects.GetStatus(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projectdomain.StatusError, status.Status)
}

func TestRecordCompletionReplayReturnsStoredOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, run := h.deployingProject(t)

	url := "https://acme-storefront.example.com"
	_, err := h.deployments.RecordCompletion(ctx, domain.CompletionRequest{
		DeploymentID: run.ID.String(),
		Success:      true,
		URL:          &url,
		CompletedAt:  h.clock.Now(),
	})
	require.NoError(t, err)

	// A contradictory replay must neither rewrite the outcome nor dispatch.
	replay, err := h.deployments.RecordCompletion(ctx, domain.CompletionRequest{
		DeploymentID: run.ID.String(),
		Success:      false,
		CompletedAt:  h.clock.Now(),
	})
	require.NoError(t, err)
	assert.True(t, replay.AlreadyCompleted)
	assert.Equal(t, domain.RunStatusSucceeded, replay.Deployment.Status)

	status, err := h.projects.GetStatus(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projectdomain.StatusAwaitingDNS, status.Status)
}

func TestLateCompletionOfAbandonedRunDispatchesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, run := h.deployingProject(t)

	_, err := h.projects.RequestTransition(ctx, projectdomain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   projectdomain.CommandFail,
	})
	require.NoError(t, err)

	result, err := h.deployments.RecordCompletion(ctx, domain.CompletionRequest{
		DeploymentID: run.ID.String(),
		Success:      true,
		CompletedAt:  h.clock.Now(),
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyCompleted)
	assert.Equal(t, domain.RunStatusAbandoned, result.Deployment.Status)
	require.NotNil(t, result.Deployment.IsSuccessful)
	assert.True(t, *result.Deployment.IsSuccessful)
	assert.NotNil(t, result.Deployment.CompletedAt)

	status, err := h.projects.GetStatus(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projectdomain.StatusError, status.Status)
}

func TestRecordCompletionUnknownDeployment(t *testing.T) {
	h := newHarness(t)

	_, err := h.deployments.RecordCompletion(context.Background(), domain.CompletionRequest{
		DeploymentID: h.node.Generate().String(),
		Success:      true,
		CompletedAt:  h.clock.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrDeploymentNotFound)
}

func TestAppendLogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, run := h.deployingProject(t)

	require.NoError(t, h.deployments.AppendLogs(ctx, run.ID.String(), "step 1\n"))
	require.NoError(t, h.deployments.AppendLogs(ctx, run.ID.String(), "step 2\n"))

	stored, err := h.deployments.Get(ctx, run.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "step 1\nstep 2\n", stored.Logs)

	_, err = h.deployments.RecordCompletion(ctx, domain.CompletionRequest{
		DeploymentID: run.ID.String(),
		Success:      true,
		CompletedAt:  h.clock.Now(),
	})
	require.NoError(t, err)

	err = h.deployments.AppendLogs(ctx, run.ID.String(), "too late\n")
	assert.ErrorIs(t, err, domain.ErrDeploymentCompleted)
}

func TestReconcileStuckFailsTimedOutRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, run := h.deployingProject(t)

	timeout := config.DefaultPolicyConfig().Reconcile.RunningTimeout

	// Still inside the window: nothing to close.
	closed, err := h.deployments.ReconcileStuck(ctx, timeout, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)

	h.clock.Advance(timeout + time.Minute)

	closed, err = h.deployments.ReconcileStuck(ctx, timeout, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	stored, err := h.deployments.Get(ctx, run.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.IsSuccessful)
	assert.False(t, *stored.IsSuccessful)
	assert.Contains(t, stored.Logs, "timed out")

	status, err := h.projects.GetStatus(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projectdomain.StatusError, status.Status)

	// Idempotent: the run is already closed.
	closed, err = h.deployments.ReconcileStuck(ctx, timeout, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestGetByProviderRef(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, run := h.deployingProject(t)

	require.Eventually(t, func() bool {
		stored, err := h.deployments.Get(ctx, run.ID.String())
		return err == nil && stored.ProviderRef != nil
	}, 2*time.Second, 10*time.Millisecond, "launch should record the provider ref")

	stored, err := h.deployments.GetByProviderRef(ctx, "builder", "run-"+run.ID.String())
	require.NoError(t, err)
	assert.Equal(t, run.ID, stored.ID)

	_, err = h.deployments.GetByProviderRef(ctx, "builder", "no-such-ref")
	assert.ErrorIs(t, err, domain.ErrDeploymentNotFound)
}
