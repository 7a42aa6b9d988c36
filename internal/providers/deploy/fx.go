package deploy

import (
	"github.com/siteforge/siteforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideRegistry(cfg config.Config, log *zap.Logger) *Registry {
	registry := NewRegistry()
	registry.Register(NewHTTPProvider(HTTPProviderConfig{
		Name:    cfg.DeployProviderName,
		BaseURL: cfg.DeployProviderURL,
		Token:   cfg.DeployProviderToken,
	}, log))
	return registry
}

var Module = fx.Module("providers.deploy",
	fx.Provide(provideRegistry),
)
