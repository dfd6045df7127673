package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type Mode string

const (
	ModeQueue    Mode = "queue"
	ModeFailFast Mode = "fail_fast"
)

type Config struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PerWindow     int           `mapstructure:"per_window"`
	Window        time.Duration `mapstructure:"window"`
	Mode          Mode          `mapstructure:"mode"`
	MaxQueue      int           `mapstructure:"max_queue"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		PerWindow:     60,
		Window:        time.Minute,
		Mode:          ModeQueue,
		MaxQueue:      32,
		MaxWait:       5 * time.Second,
		Cooldown:      30 * time.Second,
	}
}

// Governor bounds calls to the semantic upstream by concurrency and by rate.
// After the upstream reports a rate limit every call fails fast until the
// cooldown expires.
type Governor struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *logrus.Logger

	inFlight      atomic.Int64
	queued        atomic.Int64
	cooldownUntil atomic.Int64

	now func() time.Time
}

func New(cfg Config, collector *metrics.Collector, logger *logrus.Logger) (*Governor, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, errors.New("governor: max_concurrent must be positive")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeQueue
	case ModeQueue, ModeFailFast:
	default:
		return nil, fmt.Errorf("governor: unknown mode %q", cfg.Mode)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}

	limit := rate.Inf
	burst := 0
	if cfg.PerWindow > 0 && cfg.Window > 0 {
		limit = rate.Every(cfg.Window / time.Duration(cfg.PerWindow))
		burst = cfg.PerWindow
	}

	return &Governor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, burst),
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Acquire takes a call slot. The returned release func must be called once
// the call returns; calling it more than once is harmless.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.checkCooldown(); err != nil {
		return nil, err
	}

	if g.sem.TryAcquire(1) {
		if g.limiter.Allow() {
			return g.granted(), nil
		}
		g.sem.Release(1)
	}

	if g.cfg.Mode == ModeFailFast {
		return nil, g.reject("fail_fast", 0)
	}
	return g.wait(ctx)
}

func (g *Governor) wait(ctx context.Context) (func(), error) {
	if n := g.queued.Add(1); g.cfg.MaxQueue > 0 && n > int64(g.cfg.MaxQueue) {
		g.queued.Add(-1)
		return nil, g.reject("queue_full", 0)
	}
	g.metrics.AddGovernorQueued(1)
	defer func() {
		g.queued.Add(-1)
		g.metrics.AddGovernorQueued(-1)
	}()

	waitCtx := ctx
	if g.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.MaxWait)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		return nil, g.waitFailed(ctx)
	}
	if err := g.limiter.Wait(waitCtx); err != nil {
		g.sem.Release(1)
		return nil, g.waitFailed(ctx)
	}
	if err := g.checkCooldown(); err != nil {
		g.sem.Release(1)
		return nil, err
	}
	return g.granted(), nil
}

func (g *Governor) waitFailed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.reject("wait_timeout", 0)
}

func (g *Governor) granted() func() {
	g.inFlight.Add(1)
	g.metrics.AddGovernorInFlight(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			g.metrics.AddGovernorInFlight(-1)
			g.sem.Release(1)
		})
	}
}

func (g *Governor) checkCooldown() error {
	until := g.cooldownUntil.Load()
	if until == 0 {
		return nil
	}
	if remaining := time.Duration(until - g.now().UnixNano()); remaining > 0 {
		return g.reject("cooldown", remaining)
	}
	return nil
}

func (g *Governor) reject(reason string, retryAfter time.Duration) error {
	g.metrics.RecordGovernorRejection(reason)
	err := models.NewUpstreamError(models.ErrUpstreamRateLimited, fmt.Errorf("governor: %s", reason))
	err.RetryAfter = retryAfter
	return err
}

// Do runs fn while holding a slot.
func (g *Governor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// TripCooldown makes every call fail fast for d, or for the configured
// cooldown when d is not positive. An active longer cooldown is kept.
func (g *Governor) TripCooldown(d time.Duration) {
	if d <= 0 {
		d = g.cfg.Cooldown
	}
	until := g.now().Add(d).UnixNano()
	for {
		current := g.cooldownUntil.Load()
		if current >= until {
			return
		}
		if g.cooldownUntil.CompareAndSwap(current, until) {
			break
		}
	}
	if g.logger != nil {
		g.logger.WithField("cooldown", d.String()).Warn("Semantic upstream rate limited, pausing calls")
	}
}

type Stats struct {
	InFlight          int64         `json:"in_flight"`
	Queued            int64         `json:"queued"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

func (g *Governor) Stats() Stats {
	s := Stats{InFlight: g.inFlight.Load(), Queued: g.queued.Load()}
	if until := g.cooldownUntil.Load(); until > 0 {
		if remaining := time.Duration(until - g.now().UnixNano()); remaining > 0 {
			s.CooldownRemaining = remaining
		}
	}
	return s
}
