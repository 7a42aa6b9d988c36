package deployment

import (
	"github.com/siteforge/siteforge/internal/deployment/domain"
	"github.com/siteforge/siteforge/internal/deployment/repository"
	"github.com/siteforge/siteforge/internal/deployment/service"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("deployment.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
	// The orchestrator consumes this service during construction, so the
	// reverse edge (completion -> transition command) is bound afterwards.
	fx.Invoke(func(deployments domain.Service, projects projectdomain.Service) {
		deployments.BindDispatcher(projects)
	}),
)
