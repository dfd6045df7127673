package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/cache"
	"github.com/niktanya/telegram-book-bot/internal/catalog"
	"github.com/niktanya/telegram-book-bot/internal/matrix"
	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/internal/similarity"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type EngineConfig struct {
	Matrix           matrix.Options     `mapstructure:"matrix"`
	Similarity       similarity.Options `mapstructure:"similarity"`
	CollaborativeTTL time.Duration      `mapstructure:"collaborative_ttl"`
	SemanticTTL      time.Duration      `mapstructure:"semantic_ttl"`
	// TitleMatchThreshold is the lowest catalog lookup score at which a typed
	// title is taken to name a catalog book.
	TitleMatchThreshold float64 `mapstructure:"title_match_threshold"`
}

const defaultTitleMatchThreshold = 0.8

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Matrix:              matrix.DefaultOptions(),
		Similarity:          similarity.DefaultOptions(),
		CollaborativeTTL:    30 * time.Minute,
		SemanticTTL:         5 * time.Minute,
		TitleMatchThreshold: defaultTitleMatchThreshold,
	}
}

// Engine serves search and recommendation queries over the current
// generation and swaps generations atomically on refresh.
type Engine struct {
	cfg     EngineConfig
	router  *QueryRouter
	cache   *cache.ResultCache
	metrics *metrics.Collector
	logger  *logrus.Logger

	current   atomic.Pointer[Generation]
	refreshMu sync.Mutex
	lastID    uint64
}

func NewEngine(cfg EngineConfig, searcher SemanticSearcher, resultCache *cache.ResultCache, collector *metrics.Collector, logger *logrus.Logger) *Engine {
	if cfg.TitleMatchThreshold <= 0 || cfg.TitleMatchThreshold > 1 {
		cfg.TitleMatchThreshold = defaultTitleMatchThreshold
	}
	return &Engine{
		cfg:     cfg,
		router:  NewQueryRouter(NewCollaborativeRecommender(logger), searcher, collector, logger),
		cache:   resultCache,
		metrics: collector,
		logger:  logger,
	}
}

// Current returns the serving generation, or nil before the first refresh.
func (e *Engine) Current() *Generation {
	return e.current.Load()
}

// Refresh builds a new generation from books and ratings and swaps it in.
// Queries already running keep the generation they started on. On error the
// serving generation is left untouched.
func (e *Engine) Refresh(ctx context.Context, books []models.BookRecord, ratings []models.Rating) (*models.RefreshReport, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	store, catReport := catalog.New(books, e.logger)
	m, mReport, err := matrix.Build(ratings, store, e.cfg.Matrix, e.logger)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"books":   len(books),
			"ratings": len(ratings),
		}).Error("Refresh aborted, keeping current generation")
		return nil, fmt.Errorf("refresh aborted: %w", err)
	}

	sim, err := similarity.New(m, e.cfg.Similarity, e.metrics, e.logger)
	if err != nil {
		return nil, fmt.Errorf("refresh aborted: %w", err)
	}

	id := e.lastID + 1
	now := time.Now()
	report := models.RefreshReport{
		Generation:       id,
		DropCount:        catReport.Dropped() + mReport.Dropped(),
		Books:            store.Len(),
		BooksDropped:     catReport.Dropped(),
		Ratings:          mReport.Accepted,
		OrphanRatings:    mReport.Orphans,
		DuplicateRatings: mReport.Duplicates,
		InvalidRatings:   mReport.Invalid,
		Users:            m.UserCount(),
		RatedBooks:       m.BookCount(),
		Density:          m.Density(),
		BuildTime:        time.Since(start),
		LoadedAt:         now,
	}

	e.current.Store(&Generation{
		ID:         id,
		Token:      uuid.NewString(),
		Catalog:    store,
		Matrix:     m,
		Similarity: sim,
		Report:     report,
		LoadedAt:   now,
	})
	e.lastID = id
	if e.cache != nil {
		e.cache.Purge()
	}

	e.metrics.SetGeneration(id, report.Density)
	e.metrics.RecordDroppedRows("books", "invalid", catReport.Invalid)
	e.metrics.RecordDroppedRows("books", "duplicate", catReport.Duplicates)
	e.metrics.RecordDroppedRows("ratings", "orphan", mReport.Orphans)
	e.metrics.RecordDroppedRows("ratings", "duplicate", mReport.Duplicates)
	e.metrics.RecordDroppedRows("ratings", "invalid", mReport.Invalid)

	e.logger.WithFields(logrus.Fields{
		"generation": id,
		"books":      report.Books,
		"ratings":    report.Ratings,
		"users":      report.Users,
		"dropped":    report.DropCount,
		"density":    report.Density,
		"build_time": report.BuildTime.String(),
	}).Info("Generation loaded")

	out := report
	return &out, nil
}

func (e *Engine) Search(ctx context.Context, text string, n int) (*models.QueryResponse, error) {
	gen := e.current.Load()
	if gen == nil {
		return nil, models.ErrNotReady
	}

	key := cache.Key{Mode: "search", Text: catalog.Normalize(text), N: n, Generation: gen.Token}
	return e.run(ctx, gen, "search", key, func(ctx context.Context) Outcome {
		return e.router.Search(ctx, gen, text, n)
	})
}

func (e *Engine) Recommend(ctx context.Context, seed int64, userID *int64, n int) (*models.QueryResponse, error) {
	gen := e.current.Load()
	if gen == nil {
		return nil, models.ErrNotReady
	}
	return e.recommendOn(ctx, gen, seed, userID, n)
}

func (e *Engine) recommendOn(ctx context.Context, gen *Generation, seed int64, userID *int64, n int) (*models.QueryResponse, error) {
	key := cache.Key{Mode: "recommend", Seed: seed, N: n, Generation: gen.Token}
	if userID != nil {
		key.UserID = *userID
	}
	return e.run(ctx, gen, "recommend", key, func(ctx context.Context) Outcome {
		return e.router.Recommend(ctx, gen, seed, userID, n)
	})
}

// RecommendByTitle recommends from a typed title. A title that resolves to a
// catalog book is answered exactly like Recommend on that book, with
// SeedBookID set. Any other title goes to semantic search as free text.
func (e *Engine) RecommendByTitle(ctx context.Context, title string, userID *int64, n int) (*models.QueryResponse, error) {
	gen := e.current.Load()
	if gen == nil {
		return nil, models.ErrNotReady
	}
	normalized := catalog.Normalize(title)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty title", models.ErrInvalidQuery)
	}

	if match, ok := gen.Catalog.Lookup(title); ok && match.Score >= e.cfg.TitleMatchThreshold {
		resp, err := e.recommendOn(ctx, gen, match.BookID, userID, n)
		if err != nil {
			return nil, err
		}
		resp.SeedBookID = match.BookID
		return resp, nil
	}

	e.logger.WithField("title", title).Debug("Title not in catalog, recommending from text")
	key := cache.Key{Mode: "recommend-text", Text: normalized, N: n, Generation: gen.Token}
	if userID != nil {
		key.UserID = *userID
	}
	return e.run(ctx, gen, "recommend", key, func(ctx context.Context) Outcome {
		return e.router.RecommendText(ctx, gen, title, userID, n)
	})
}

func (e *Engine) run(ctx context.Context, gen *Generation, mode string, key cache.Key, route func(context.Context) Outcome) (*models.QueryResponse, error) {
	start := time.Now()

	compute := func(ctx context.Context) (cache.Entry, time.Duration, error) {
		o := route(ctx)
		if o.Err != nil {
			return cache.Entry{}, 0, o.Err
		}
		return cache.Entry{Results: o.Results, Path: o.PathStrings(), Degraded: o.Degraded}, e.ttlFor(o), nil
	}

	var (
		entry cache.Entry
		hit   bool
		err   error
	)
	if e.cache != nil {
		entry, hit, err = e.cache.GetOrCompute(ctx, key, compute)
	} else {
		entry, _, err = compute(ctx)
	}
	if err != nil {
		e.metrics.RecordQuery(mode, "error", time.Since(start))
		return nil, err
	}

	outcome := "ok"
	if entry.Degraded {
		outcome = "degraded"
	}
	e.metrics.RecordQuery(mode, outcome, time.Since(start))

	resp := &models.QueryResponse{
		Results:     make([]models.RankedBook, 0, len(entry.Results)),
		Path:        entry.Path,
		Degraded:    entry.Degraded,
		CacheHit:    hit,
		Generation:  gen.ID,
		GeneratedAt: time.Now(),
	}
	for i, r := range entry.Results {
		ranked := models.RankedBook{Position: i + 1, BookID: r.BookID, Score: r.Score, Source: r.Source}
		if book, ok := gen.Catalog.Get(r.BookID); ok {
			ranked.Book = book
		}
		resp.Results = append(resp.Results, ranked)
	}
	return resp, nil
}

// ttlFor picks how long an outcome may be cached. Degraded outcomes are not
// cached so the next query retries the failed leg.
func (e *Engine) ttlFor(o Outcome) time.Duration {
	if o.Degraded {
		return 0
	}
	for _, r := range o.Results {
		if r.Source == models.SourceSemantic {
			return e.cfg.SemanticTTL
		}
	}
	if o.Visited(StateSemantic) || o.Visited(StateHybrid) {
		return e.cfg.SemanticTTL
	}
	return e.cfg.CollaborativeTTL
}

func (e *Engine) Book(id int64) (*models.BookRecord, error) {
	gen := e.current.Load()
	if gen == nil {
		return nil, models.ErrNotReady
	}
	book, ok := gen.Catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrBookNotFound, id)
	}
	return book, nil
}

// Stats returns the report of the serving generation.
func (e *Engine) Stats() (*models.RefreshReport, error) {
	gen := e.current.Load()
	if gen == nil {
		return nil, models.ErrNotReady
	}
	report := gen.Report
	return &report, nil
}
