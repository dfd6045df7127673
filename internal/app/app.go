package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/cache"
	"github.com/niktanya/telegram-book-bot/internal/config"
	"github.com/niktanya/telegram-book-bot/internal/database"
	"github.com/niktanya/telegram-book-bot/internal/dataset"
	"github.com/niktanya/telegram-book-bot/internal/governor"
	"github.com/niktanya/telegram-book-bot/internal/handlers"
	"github.com/niktanya/telegram-book-bot/internal/messaging"
	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/internal/middleware"
	"github.com/niktanya/telegram-book-bot/internal/semantic"
	"github.com/niktanya/telegram-book-bot/internal/services"
	"github.com/niktanya/telegram-book-bot/internal/validation"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	db       *database.Database
	source   dataset.Source
	engine   *services.Engine
	reloader *services.Reloader
	bus      *messaging.RefreshBus
	handlers *handlers.Handlers
	router   *gin.Engine

	cancelListen context.CancelFunc
	listenDone   sync.WaitGroup
}

// Settings is the effective configuration reported by the admin API. The
// semantic API key is never included.
type Settings struct {
	Dataset  dataset.Config         `json:"dataset"`
	Engine   services.EngineConfig  `json:"engine"`
	Adapter  semantic.Options       `json:"semantic_adapter"`
	Breaker  semantic.BreakerConfig `json:"semantic_breaker"`
	Model    string                 `json:"semantic_model"`
	Governor governor.Config        `json:"governor"`
	Cache    config.CacheConfig     `json:"cache"`
	Redis    bool                   `json:"redis_enabled"`
	Kafka    bool                   `json:"kafka_enabled"`
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config:   cfg,
		logger:   NewLogger(cfg),
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize database connections
	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	source, err := dataset.NewSource(cfg.Dataset, db.Querier(), app.logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize dataset source: %w", err)
	}
	app.source = source

	collector := metrics.NewCollector(app.registry)

	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to load response schemas: %w", err)
	}

	// Semantic leg: HTTP client -> circuit breaker -> adapter -> rate governor
	client := semantic.NewClient(cfg.Semantic.Client, nil, app.logger)
	breaker := semantic.NewBreaker("semantic", client, cfg.Semantic.Breaker, collector, app.logger)
	adapter := semantic.NewAdapter(breaker, schemas, cfg.Semantic.Adapter, collector, app.logger)

	gov, err := governor.New(cfg.Governor, collector, app.logger)
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to initialize rate governor: %w", err)
	}
	gateway := services.NewSemanticGateway(gov, adapter, app.logger)

	var l2 cache.Store
	if db.Redis != nil {
		l2 = cache.NewRedisStore(db.Redis, cfg.Redis.KeyPrefix)
	}
	resultCache := cache.NewResultCache(cache.Config{MaxEntries: cfg.Cache.MaxEntries}, l2, collector, app.logger)

	app.engine = services.NewEngine(cfg.Engine, gateway, resultCache, collector, app.logger)
	app.reloader = services.NewReloader(source, app.engine, app.logger)
	health := services.NewHealthService(app.engine, db, breaker, gov, app.registry, app.logger)

	deps := handlers.Deps{
		Engine:   app.engine,
		Reloader: app.reloader,
		Health:   health,
		Gatherer: app.registry,
		Settings: app.settings(),
	}
	if cfg.Kafka.Enabled {
		app.bus = messaging.NewRefreshBus(cfg.Kafka, app.logger)
		deps.Publisher = app.bus
	}
	app.handlers = handlers.New(app.logger, deps)

	// Setup router
	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Logger() *logrus.Logger {
	return a.logger
}

// Start loads the first generation and, when kafka is enabled, starts the
// refresh listener. A failed initial load is logged, not fatal: the service
// reports NOT_READY until a refresh succeeds.
func (a *App) Start(ctx context.Context) {
	if report, err := a.reloader.Reload(ctx); err != nil {
		a.logger.WithError(err).Error("Initial dataset load failed")
	} else {
		a.logger.WithFields(logrus.Fields{
			"generation": report.Generation,
			"books":      report.Books,
			"ratings":    report.Ratings,
			"users":      report.Users,
		}).Info("Initial dataset loaded")
	}

	if a.bus == nil {
		return
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	a.cancelListen = cancel
	a.listenDone.Add(1)
	go func() {
		defer a.listenDone.Done()
		if err := a.bus.Listen(listenCtx, a.reloader); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Error("Refresh listener stopped")
		}
	}()
	a.logger.WithField("topic", a.config.Kafka.Topic).Info("Refresh listener started")
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cancelListen != nil {
		a.cancelListen()
		done := make(chan struct{})
		go func() {
			a.listenDone.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("Refresh listener did not stop before shutdown deadline")
		}
	}

	if err := a.closeResources(); err != nil {
		a.logger.WithError(err).Error("Error closing connections")
		return err
	}

	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if closer, ok := a.source.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func (a *App) settings() Settings {
	return Settings{
		Dataset:  a.config.Dataset,
		Engine:   a.config.Engine,
		Adapter:  a.config.Semantic.Adapter,
		Breaker:  a.config.Semantic.Breaker,
		Model:    a.config.Semantic.Client.Model,
		Governor: a.config.Governor,
		Cache:    a.config.Cache,
		Redis:    a.config.Redis.Enabled,
		Kafka:    a.config.Kafka.Enabled,
	}
}

func NewLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config.Security.CORS))

	// Health check endpoints (no auth required)
	router.GET("/health", a.handlers.Health.Check)
	router.GET("/ready", a.handlers.Health.Ready)

	if a.config.Monitoring.Enabled {
		router.GET(a.config.Monitoring.MetricsPath, a.handlers.Metrics.Prometheus())
	}

	api := router.Group("/api/v1")
	{
		api.GET("/search", a.handlers.Books.Search)
		api.GET("/recommendations", a.handlers.Books.RecommendByTitle)

		books := api.Group("/books")
		{
			books.GET("/:id", a.handlers.Books.Get)
			books.GET("/:id/recommendations", a.handlers.Books.Recommend)
		}

		admin := api.Group("/admin")
		admin.Use(middleware.AdminToken(a.config.Server.AdminToken, a.logger))
		{
			admin.POST("/refresh", a.handlers.Admin.Refresh)
			admin.GET("/stats", a.handlers.Admin.Stats)
			admin.GET("/config", a.handlers.Admin.GetConfig)
			admin.GET("/metrics", a.handlers.Metrics.GetSummary)
		}
	}

	a.router = router
}

// Inspect loads the configured datasets into a throwaway engine with the
// semantic leg disabled and returns the refresh report. It backs the stats
// command.
func Inspect(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*models.RefreshReport, *dataset.Report, error) {
	db, err := database.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	source, err := dataset.NewSource(cfg.Dataset, db.Querier(), logger)
	if err != nil {
		return nil, nil, err
	}
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}

	start := time.Now()
	snap, err := source.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s dataset: %w", source.Name(), err)
	}
	logger.WithField("duration", time.Since(start)).Debug("Dataset read")

	engine := services.NewEngine(cfg.Engine, nil, nil, nil, logger)
	report, err := engine.Refresh(ctx, snap.Books, snap.Ratings)
	if err != nil {
		return nil, &snap.Report, err
	}
	return report, &snap.Report, nil
}
