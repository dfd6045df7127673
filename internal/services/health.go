package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/niktanya/telegram-book-bot/internal/governor"
	"github.com/niktanya/telegram-book-bot/internal/semantic"
)

// Pinger checks the external connections, keyed by name.
type Pinger interface {
	Ping(ctx context.Context) map[string]error
}

type HealthService struct {
	engine   *Engine
	pinger   Pinger
	breaker  *semantic.Breaker
	governor *governor.Governor
	logger   *logrus.Logger

	healthCheckStatus *prometheus.GaugeVec
	lastHealthCheck   *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Latency     time.Duration          `json:"latency,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// NewHealthService wires the health checks. pinger, breaker and gov may be
// nil; reg may be nil to skip the health gauges.
func NewHealthService(engine *Engine, pinger Pinger, breaker *semantic.Breaker, gov *governor.Governor, reg prometheus.Registerer, logger *logrus.Logger) *HealthService {
	hs := &HealthService{
		engine:   engine,
		pinger:   pinger,
		breaker:  breaker,
		governor: gov,
		logger:   logger,
	}

	if reg != nil {
		factory := promauto.With(reg)
		hs.healthCheckStatus = factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookrec_health_check_status",
			Help: "Health check status (1 = healthy, 0 = unhealthy)",
		}, []string{"service"})
		hs.lastHealthCheck = factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookrec_health_check_timestamp",
			Help: "Timestamp of last health check",
		}, []string{"service"})
	}

	return hs
}

// CheckHealth reports "healthy", "degraded" when only the semantic leg or an
// optional connection is impaired, or "unhealthy" when no generation is
// loaded.
func (s *HealthService) CheckHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Timestamp: start,
		Services:  make(map[string]string),
		Details:   make(map[string]interface{}),
	}

	critical := map[string]func(context.Context) error{
		"engine": s.checkEngine,
	}
	nonCritical := map[string]func(context.Context) error{
		"semantic_breaker": s.checkBreaker,
		"rate_governor":    s.checkGovernor,
	}
	if s.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		results := s.pinger.Ping(pingCtx)
		cancel()
		for name, err := range results {
			err := err
			nonCritical[name] = func(context.Context) error { return err }
		}
	}

	allCriticalHealthy := true
	for _, name := range sortedKeys(critical) {
		if err := critical[name](ctx); err != nil {
			status.Services[name] = "unhealthy"
			status.Critical = append(status.Critical, name)
			allCriticalHealthy = false
			s.logger.WithError(err).Errorf("Critical service %s is unhealthy", name)
			s.UpdateHealthMetrics(name, false)
		} else {
			status.Services[name] = "healthy"
			s.UpdateHealthMetrics(name, true)
		}
	}

	for _, name := range sortedKeys(nonCritical) {
		if err := nonCritical[name](ctx); err != nil {
			status.Services[name] = "unhealthy"
			status.NonCritical = append(status.NonCritical, name)
			s.logger.WithError(err).Warnf("Non-critical service %s is unhealthy", name)
			s.UpdateHealthMetrics(name, false)
		} else {
			status.Services[name] = "healthy"
			s.UpdateHealthMetrics(name, true)
		}
	}

	switch {
	case !allCriticalHealthy:
		status.Status = "unhealthy"
	case len(status.NonCritical) > 0:
		status.Status = "degraded"
	default:
		status.Status = "healthy"
	}

	if s.engine != nil {
		if report, err := s.engine.Stats(); err == nil {
			status.Details["generation"] = report.Generation
			status.Details["books"] = report.Books
			status.Details["ratings"] = report.Ratings
			status.Details["loaded_at"] = report.LoadedAt
		}
	}
	if s.governor != nil {
		status.Details["governor"] = s.governor.Stats()
	}
	status.Latency = time.Since(start)
	return status
}

func (s *HealthService) checkEngine(context.Context) error {
	if s.engine == nil || s.engine.Current() == nil {
		return errors.New("no dataset generation loaded")
	}
	return nil
}

func (s *HealthService) checkBreaker(context.Context) error {
	if s.breaker == nil {
		return nil
	}
	if state := s.breaker.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("circuit breaker is %s", state)
	}
	return nil
}

func (s *HealthService) checkGovernor(context.Context) error {
	if s.governor == nil {
		return nil
	}
	if remaining := s.governor.Stats().CooldownRemaining; remaining > 0 {
		return fmt.Errorf("upstream rate limited, cooling down for %s", remaining)
	}
	return nil
}

// UpdateHealthMetrics updates health check metrics
func (s *HealthService) UpdateHealthMetrics(serviceName string, healthy bool) {
	if s.healthCheckStatus == nil {
		return
	}
	if healthy {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(1)
	} else {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(0)
	}
	s.lastHealthCheck.WithLabelValues(serviceName).Set(float64(time.Now().Unix()))
}

func sortedKeys(m map[string]func(context.Context) error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
