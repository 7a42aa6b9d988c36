package audit

import (
	"github.com/siteforge/siteforge/internal/audit/repository"
	"github.com/siteforge/siteforge/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
