package project

import (
	"github.com/siteforge/siteforge/internal/project/repository"
	"github.com/siteforge/siteforge/internal/project/service"
	"go.uber.org/fx"
)

var Module = fx.Module("project.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
