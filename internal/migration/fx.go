package migration

import (
	"strings"

	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/config"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	webhookdomain "github.com/siteforge/siteforge/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Embedded SQL migrations target postgres; other dialects (sqlite
		// for local/dev) fall back to schema sync from the models.
		if !strings.EqualFold(cfg.DBType, "postgres") {
			return conn.AutoMigrate(
				&projectdomain.Project{},
				&deploymentdomain.Deployment{},
				&webhookdomain.WebhookEvent{},
				&auditdomain.AuditEvent{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
