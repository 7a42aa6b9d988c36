package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/internal/config"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	"github.com/siteforge/siteforge/internal/observability/metrics"
	"github.com/siteforge/siteforge/internal/project/domain"
	"github.com/siteforge/siteforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Audit       auditdomain.Service
	Deployments deploymentdomain.Service
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	audit       auditdomain.Service
	deployments deploymentdomain.Service
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("project.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		audit:       p.Audit,
		deployments: p.Deployments,
		metrics:     p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateProjectRequest) (domain.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Project{}, domain.ErrInvalidName
	}
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil || customerID == 0 {
		return domain.Project{}, domain.ErrInvalidCustomer
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = s.cfg.DeployProviderName
	}
	environment := strings.ToLower(strings.TrimSpace(req.Environment))
	if environment == "" {
		environment = "production"
	}

	now := s.clock.Now()
	project := domain.Project{
		ID:          s.genID.Generate(),
		CustomerID:  customerID,
		Name:        name,
		Slug:        slug.Make(name),
		Status:      domain.StatusDraft,
		Version:     0,
		Provider:    provider,
		Environment: environment,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.insertWithAudit(ctx, &project); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Slug collision with an existing project name; disambiguate
			// with the ID and retry once.
			project.Slug = fmt.Sprintf("%s-%s", project.Slug, strings.ToLower(project.ID.Base36()))
			if err := s.insertWithAudit(ctx, &project); err != nil {
				return domain.Project{}, err
			}
			return project, nil
		}
		return domain.Project{}, err
	}
	return project, nil
}

func (s *Service) insertWithAudit(ctx context.Context, project *domain.Project) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, project); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.RecordRequest{
			EntityType: auditdomain.EntityTypeProject,
			EntityID:   project.ID.String(),
			Action:     auditdomain.ActionCreated,
			NewValue:   project,
		})
	})
}

func (s *Service) Get(ctx context.Context, id string) (domain.Project, error) {
	project, err := s.load(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	return *project, nil
}

func (s *Service) List(ctx context.Context, req domain.ListProjectsRequest) ([]domain.Project, error) {
	if req.Status != "" && !domain.ValidStatus(req.Status) {
		return nil, domain.ErrInvalidProject
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{Status: req.Status, Limit: limit})
	if err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		projects = append(projects, *item)
	}
	return projects, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (domain.StatusResponse, error) {
	project, err := s.load(ctx, id)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	return domain.StatusResponse{Status: project.Status, Version: project.Version}, nil
}

// RequestTransition applies one command to the project state machine. The
// status change, its audit entry and, for StartDeploy, the running deployment
// record commit in a single transaction; the provider call is launched only
// after that transaction commits.
func (s *Service) RequestTransition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResponse, error) {
	command, ok := domain.ParseCommand(string(req.Command))
	if !ok {
		return domain.TransitionResponse{}, domain.ErrInvalidCommand
	}

	project, err := s.load(ctx, req.ProjectID)
	if err != nil {
		return domain.TransitionResponse{}, err
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != project.Version {
		s.metrics.RecordTransitionRejected(ctx, string(command), "version_conflict")
		return domain.TransitionResponse{}, domain.ErrConflict
	}

	next, ok := domain.NextStatus(project.Status, command)
	if !ok {
		s.metrics.RecordTransitionRejected(ctx, string(command), "invalid_transition")
		return domain.TransitionResponse{}, fmt.Errorf("%w: %s does not accept %s", domain.ErrInvalidTransition, project.Status, command)
	}

	newVersion := project.Version + 1
	var launched *deploymentdomain.Deployment

	err = s.db.Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.UpdateStatusCAS(ctx, tx, project.ID, project.Version, next, s.clock.Now())
		if err != nil {
			return err
		}
		if rows == 0 {
			// Another writer committed between our read and this update.
			return domain.ErrConflict
		}

		if err := s.audit.Record(ctx, tx, auditdomain.RecordRequest{
			EntityType: auditdomain.EntityTypeProject,
			EntityID:   project.ID.String(),
			Action:     auditdomain.ActionStatusChanged,
			OldValue:   domain.StatusResponse{Status: project.Status, Version: project.Version},
			NewValue:   domain.StatusResponse{Status: next, Version: newVersion},
			Metadata:   map[string]any{"command": string(command)},
		}); err != nil {
			return err
		}

		// Leaving DEPLOYING through Fail supersedes the running deployment.
		// DeploySucceeded/DeployFailed arrive from the run itself and close
		// it through RecordCompletion instead.
		if project.Status == domain.StatusDeploying && command == domain.CommandFail {
			if err := s.deployments.AbandonActiveInTx(ctx, tx, project.ID.String()); err != nil {
				return err
			}
		}

		if next == domain.StatusDeploying {
			deployment, err := s.deployments.CreateInTx(ctx, tx, deploymentdomain.StartDeploymentRequest{
				ProjectID:   project.ID.String(),
				Provider:    project.Provider,
				Version:     fmt.Sprintf("v%d", newVersion),
				Environment: project.Environment,
				CommitRef:   project.CommitRef,
			})
			if err != nil {
				return err
			}
			launched = &deployment
		}
		return nil
	})
	if err != nil {
		if err == domain.ErrConflict {
			s.metrics.RecordTransitionRejected(ctx, string(command), "version_conflict")
		}
		return domain.TransitionResponse{}, err
	}

	if launched != nil {
		s.deployments.Launch(*launched)
	}
	s.metrics.RecordTransition(ctx, string(command), string(next))
	s.log.Info("project transition committed",
		zap.String("project_id", project.ID.String()),
		zap.String("command", string(command)),
		zap.String("from", string(project.Status)),
		zap.String("to", string(next)),
		zap.Int64("version", newVersion),
	)

	return domain.TransitionResponse{Status: next, Version: newVersion}, nil
}

func (s *Service) load(ctx context.Context, rawID string) (*domain.Project, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(rawID))
	if err != nil || id == 0 {
		return nil, domain.ErrInvalidProject
	}
	project, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, domain.ErrProjectNotFound
	}
	return project, nil
}
