package webhook

import (
	"github.com/siteforge/siteforge/internal/config"
	"github.com/siteforge/siteforge/internal/webhook/domain"
	"github.com/siteforge/siteforge/internal/webhook/interpreters/billing"
	"github.com/siteforge/siteforge/internal/webhook/interpreters/deployer"
	"github.com/siteforge/siteforge/internal/webhook/repository"
	"github.com/siteforge/siteforge/internal/webhook/service"
	"go.uber.org/fx"
)

func provideDeployerInterpreter(cfg config.Config) domain.Interpreter {
	return deployer.New(cfg.WebhookSecret(deployer.SourceName))
}

func provideBillingInterpreter(cfg config.Config) domain.Interpreter {
	return billing.New(cfg.WebhookSecret(billing.SourceName))
}

var Module = fx.Module("webhook.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
		fx.Annotate(provideDeployerInterpreter, fx.ResultTags(`group:"webhook.interpreters"`)),
		fx.Annotate(provideBillingInterpreter, fx.ResultTags(`group:"webhook.interpreters"`)),
	),
)
