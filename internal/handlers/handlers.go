package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/services"
)

type Handlers struct {
	Health  *HealthHandler
	Books   *BookHandler
	Admin   *AdminHandler
	Metrics *MetricsHandler
}

// Deps are the services the HTTP layer is built on. Publisher may be nil.
type Deps struct {
	Engine    services.EngineInterface
	Reloader  services.DatasetReloader
	Health    services.HealthChecker
	Publisher RefreshPublisher
	Gatherer  prometheus.Gatherer
	Settings  any
}

func New(logger *logrus.Logger, deps Deps) *Handlers {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Handlers{
		Health:  NewHealthHandler(logger, deps.Health),
		Books:   NewBookHandler(deps.Engine, logger),
		Admin:   NewAdminHandler(deps.Reloader, deps.Publisher, deps.Engine, deps.Settings, logger),
		Metrics: NewMetricsHandler(logger, gatherer),
	}
}
