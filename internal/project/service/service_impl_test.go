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
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	deploymentrepo "github.com/siteforge/siteforge/internal/deployment/repository"
	deploymentservice "github.com/siteforge/siteforge/internal/deployment/service"
	"github.com/siteforge/siteforge/internal/project/domain"
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
	deployments deploymentdomain.Service
	projects    domain.Service
	provider    *stubProvider
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:project_svc_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Project{},
		&deploymentdomain.Deployment{},
		&webhookdomain.WebhookEvent{},
		&auditdomain.AuditEvent{},
	))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(7)
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

func (h *harness) createProject(t *testing.T) domain.Project {
	t.Helper()
	project, err := h.projects.Create(context.Background(), domain.CreateProjectRequest{
		CustomerID: h.node.Generate().String(),
		Name:       "Acme Storefront",
	})
	require.NoError(t, err)
	return project
}

func (h *harness) seedStatus(t *testing.T, project domain.Project, status domain.Status) domain.Project {
	t.Helper()
	require.NoError(t, h.db.Model(&domain.Project{}).
		Where("id = ?", project.ID).
		Update("status", status).Error)
	reloaded, err := h.projects.Get(context.Background(), project.ID.String())
	require.NoError(t, err)
	return reloaded
}

func TestCreateProjectStartsInDraft(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t)

	assert.Equal(t, domain.StatusDraft, project.Status)
	assert.Equal(t, int64(0), project.Version)
	assert.Equal(t, "acme-storefront", project.Slug)
	assert.Equal(t, "builder", project.Provider)
	assert.Equal(t, "production", project.Environment)

	history, err := h.audit.History(context.Background(), auditdomain.HistoryRequest{
		EntityType: auditdomain.EntityTypeProject,
		EntityID:   project.ID.String(),
	})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, auditdomain.ActionCreated, history[0].Action)
}

func TestCreateProjectValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.projects.Create(context.Background(), domain.CreateProjectRequest{
		CustomerID: h.node.Generate().String(),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = h.projects.Create(context.Background(), domain.CreateProjectRequest{
		CustomerID: "not-a-snowflake",
		Name:       "Acme",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)
}

func TestCreateProjectSlugCollisionGetsSuffix(t *testing.T) {
	h := newHarness(t)
	first := h.createProject(t)
	second := h.createProject(t)

	assert.Equal(t, "acme-storefront", first.Slug)
	assert.NotEqual(t, first.Slug, second.Slug)
	assert.Contains(t, second.Slug, "acme-storefront-")
}

func TestTransitionCommitsStatusVersionAndAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.createProject(t)

	resp, err := h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.CommandSubmitSpec,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingSpec, resp.Status)
	assert.Equal(t, int64(1), resp.Version)

	stored, err := h.projects.Get(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingSpec, stored.Status)
	assert.Equal(t, int64(1), stored.Version)

	history, err := h.audit.History(ctx, auditdomain.HistoryRequest{
		EntityType: auditdomain.EntityTypeProject,
		EntityID:   project.ID.String(),
	})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, auditdomain.ActionStatusChanged, history[1].Action)
}

func TestIllegalTransitionsLeaveProjectUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, status := range domain.Statuses() {
		for _, command := range domain.Commands() {
			if _, legal := domain.NextStatus(status, command); legal {
				continue
			}

			project := h.seedStatus(t, h.createProject(t), status)
			_, err := h.projects.RequestTransition(ctx, domain.TransitionRequest{
				ProjectID: project.ID.String(),
				Command:   command,
			})
			assert.ErrorIs(t, err, domain.ErrInvalidTransition, "%s + %s", status, command)

			stored, err := h.projects.Get(ctx, project.ID.String())
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, project.Version, stored.Version)
		}
	}
}

func TestTransitionUnknownCommandRejected(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t)

	_, err := h.projects.RequestTransition(context.Background(), domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.Command("LaunchRockets"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)
}

func TestTransitionExpectedVersionMismatchConflicts(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t)

	stale := int64(41)
	_, err := h.projects.RequestTransition(context.Background(), domain.TransitionRequest{
		ProjectID:       project.ID.String(),
		Command:         domain.CommandSubmitSpec,
		ExpectedVersion: &stale,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	stored, err := h.projects.Get(context.Background(), project.ID.String())
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, stored.Status)
}

// staleReadRepo serves a frozen snapshot from FindByID, simulating a writer
// that commits between this service's read and its conditional update.
type staleReadRepo struct {
	domain.Repository
	stale domain.Project
}

func (r *staleReadRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Project, error) {
	snapshot := r.stale
	return &snapshot, nil
}

func TestTransitionLostCASRaceConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.createProject(t)

	staleSvc := projectservice.NewService(projectservice.Params{
		Cfg:         config.Config{DeployProviderName: "builder"},
		DB:          h.db,
		Log:         zap.NewNop(),
		GenID:       h.node,
		Clock:       h.clock,
		Repo:        &staleReadRepo{Repository: projectrepo.Provide(), stale: project},
		Audit:       h.audit,
		Deployments: h.deployments,
	})

	_, err := h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.CommandSubmitSpec,
	})
	require.NoError(t, err)

	// The stale service still sees DRAFT v0, so its conditional update
	// matches zero rows.
	_, err = staleSvc.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.CommandSubmitSpec,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	stored, err := h.projects.Get(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingSpec, stored.Status)
	assert.Equal(t, int64(1), stored.Version)

	history, err := h.audit.History(ctx, auditdomain.HistoryRequest{
		EntityType: auditdomain.EntityTypeProject,
		EntityID:   project.ID.String(),
	})
	require.NoError(t, err)
	require.Len(t, history, 2, "the losing transition must not leave an audit entry")
}

func TestTransitionsWithSameExpectedVersionExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.createProject(t)

	expected := int64(0)
	resp, err := h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID:       project.ID.String(),
		Command:         domain.CommandSubmitSpec,
		ExpectedVersion: &expected,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Version)

	_, err = h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID:       project.ID.String(),
		Command:         domain.CommandFail,
		ExpectedVersion: &expected,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	stored, err := h.projects.Get(ctx, project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingSpec, stored.Status)
	assert.Equal(t, int64(1), stored.Version, "version advances exactly once")
}

func TestTransitionProjectNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.projects.RequestTransition(context.Background(), domain.TransitionRequest{
		ProjectID: h.node.Generate().String(),
		Command:   domain.CommandSubmitSpec,
	})
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestStartDeployCreatesRunningDeployment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.seedStatus(t, h.createProject(t), domain.StatusProvisioningRepo)

	resp, err := h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.CommandStartDeploy,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeploying, resp.Status)

	deployments, err := h.deployments.ListByProject(ctx, project.ID.String())
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, deploymentdomain.RunStatusRunning, deployments[0].Status)
	assert.Equal(t, "v1", deployments[0].Version)
	assert.Equal(t, "builder", deployments[0].Provider)
}

func TestFailFromDeployingAbandonsRunningDeployment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.seedStatus(t, h.createProject(t), domain.StatusProvisioningRepo)

	_, err := h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.CommandStartDeploy,
	})
	require.NoError(t, err)

	_, err = h.projects.RequestTransition(ctx, domain.TransitionRequest{
		ProjectID: project.ID.String(),
		Command:   domain.CommandFail,
	})
	require.NoError(t, err)

	deployments, err := h.deployments.ListByProject(ctx, project.ID.String())
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, deploymentdomain.RunStatusAbandoned, deployments[0].Status)
	assert.Nil(t, deployments[0].CompletedAt)
}

func TestGetStatusReturnsStatusAndVersion(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t)

	status, err := h.projects.GetStatus(context.Background(), project.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, status.Status)
	assert.Equal(t, int64(0), status.Version)
}

func TestListProjectsFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createProject(t)
	live := h.seedStatus(t, h.createProject(t), domain.StatusLive)

	projects, err := h.projects.List(ctx, domain.ListProjectsRequest{Status: domain.StatusLive})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, live.ID, projects[0].ID)

	_, err = h.projects.List(ctx, domain.ListProjectsRequest{Status: domain.Status("BOGUS")})
	assert.ErrorIs(t, err, domain.ErrInvalidProject)
}
