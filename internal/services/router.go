package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/catalog"
	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/internal/semantic"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type State string

const (
	StateReceived      State = "Received"
	StateRouting       State = "Routing"
	StateCollaborative State = "Collaborative"
	StateSemantic      State = "Semantic"
	StateHybrid        State = "Hybrid"
	StateMerging       State = "Merging"
	StateDone          State = "Done"
	StateFailed        State = "Failed"
)

// Outcome is the result of routing one query. Path lists every state the
// query passed through, ending in Done or Failed.
type Outcome struct {
	Results  []models.SearchResult
	Path     []State
	Degraded bool
	Err      error
}

func (o *Outcome) to(s State) {
	o.Path = append(o.Path, s)
}

func (o *Outcome) fail(err error) Outcome {
	o.to(StateFailed)
	o.Err = err
	return *o
}

func (o *Outcome) done(results []models.SearchResult) Outcome {
	o.to(StateDone)
	o.Results = results
	return *o
}

// Visited reports whether the query passed through s.
func (o Outcome) Visited(s State) bool {
	for _, p := range o.Path {
		if p == s {
			return true
		}
	}
	return false
}

func (o Outcome) PathStrings() []string {
	out := make([]string, len(o.Path))
	for i, s := range o.Path {
		out[i] = string(s)
	}
	return out
}

// QueryRouter decides per query whether to use collaborative filtering,
// semantic search or both, and merges what comes back.
type QueryRouter struct {
	recommender *CollaborativeRecommender
	semantic    SemanticSearcher
	metrics     *metrics.Collector
	logger      *logrus.Logger
}

func NewQueryRouter(recommender *CollaborativeRecommender, searcher SemanticSearcher, collector *metrics.Collector, logger *logrus.Logger) *QueryRouter {
	return &QueryRouter{
		recommender: recommender,
		semantic:    searcher,
		metrics:     collector,
		logger:      logger,
	}
}

// Search answers a free-text query. Books whose title or author equals the
// text are prepended as catalog-exact results ahead of the semantic ones.
func (r *QueryRouter) Search(ctx context.Context, gen *Generation, text string, n int) Outcome {
	var o Outcome
	o.to(StateReceived)
	o.to(StateRouting)

	if catalog.Normalize(text) == "" {
		return o.fail(fmt.Errorf("%w: empty search text", models.ErrInvalidQuery))
	}
	if n <= 0 {
		return o.fail(fmt.Errorf("%w: limit must be positive", models.ErrInvalidQuery))
	}

	var exact []models.SearchResult
	for _, id := range gen.Catalog.ExactMatch(text) {
		exact = append(exact, models.SearchResult{BookID: id, Score: 1, Source: models.SourceCatalogExact})
	}

	o.to(StateSemantic)
	r.metrics.RecordRoute("semantic")
	found, err := r.semantic.Query(ctx, semantic.Query{Text: text, Mode: semantic.ModeSearch, MaxResults: n}, gen.Catalog)
	if err != nil {
		if len(exact) == 0 || !r.recoverable(ctx, err) {
			return o.fail(err)
		}
		r.degrade(&o, err, "search", len(exact))
		found = nil
	}

	o.to(StateMerging)
	return o.done(merge(n, nil, exact, found))
}

// Recommend answers a "more like this" query for seed. userID, when set,
// removes books that user already rated.
func (r *QueryRouter) Recommend(ctx context.Context, gen *Generation, seed int64, userID *int64, n int) Outcome {
	var o Outcome
	o.to(StateReceived)
	o.to(StateRouting)

	if n <= 0 {
		return o.fail(fmt.Errorf("%w: limit must be positive", models.ErrInvalidQuery))
	}
	book, ok := gen.Catalog.Get(seed)
	if !ok {
		return o.fail(fmt.Errorf("%w: %d", models.ErrBookNotFound, seed))
	}

	exclude := func(id int64) bool {
		return id == seed || (userID != nil && gen.Matrix.HasRated(*userID, id))
	}

	o.to(StateCollaborative)
	collab, err := r.recommender.Recommend(ctx, gen, seed, userID, n)
	switch {
	case errors.Is(err, models.ErrInsufficientData):
		// Cold start: nobody co-rated the seed, ask the semantic service.
		o.to(StateSemantic)
		r.metrics.RecordRoute("semantic")
		if r.logger != nil {
			r.logger.WithError(err).WithField("seed", seed).Debug("Cold start, routing to semantic search")
		}
		found, err := r.similarTo(ctx, gen, book, n)
		if err != nil {
			return o.fail(err)
		}
		o.to(StateMerging)
		return o.done(merge(n, exclude, found))

	case err != nil:
		return o.fail(err)

	case len(collab) >= n:
		r.metrics.RecordRoute("collaborative")
		o.to(StateMerging)
		return o.done(merge(n, nil, collab))
	}

	o.to(StateHybrid)
	r.metrics.RecordRoute("hybrid")
	found, err := r.similarTo(ctx, gen, book, n+len(collab))
	if err != nil {
		if len(collab) == 0 || !r.recoverable(ctx, err) {
			return o.fail(err)
		}
		r.degrade(&o, err, "recommend", len(collab))
		found = nil
	}

	o.to(StateMerging)
	return o.done(merge(n, exclude, collab, found))
}

// RecommendText answers a "more like this" query for a title the catalog does
// not hold by handing the text itself to semantic search.
func (r *QueryRouter) RecommendText(ctx context.Context, gen *Generation, text string, userID *int64, n int) Outcome {
	var o Outcome
	o.to(StateReceived)
	o.to(StateRouting)

	if catalog.Normalize(text) == "" {
		return o.fail(fmt.Errorf("%w: empty title", models.ErrInvalidQuery))
	}
	if n <= 0 {
		return o.fail(fmt.Errorf("%w: limit must be positive", models.ErrInvalidQuery))
	}

	o.to(StateSemantic)
	r.metrics.RecordRoute("semantic")
	found, err := r.semantic.Query(ctx, semantic.Query{Text: text, Mode: semantic.ModeSimilarTo, MaxResults: n}, gen.Catalog)
	if err != nil {
		return o.fail(err)
	}

	var exclude func(int64) bool
	if userID != nil {
		exclude = func(id int64) bool { return gen.Matrix.HasRated(*userID, id) }
	}
	o.to(StateMerging)
	return o.done(merge(n, exclude, found))
}

func (r *QueryRouter) similarTo(ctx context.Context, gen *Generation, book *models.BookRecord, n int) ([]models.SearchResult, error) {
	return r.semantic.Query(ctx, semantic.Query{
		Text:       book.QueryText(),
		Mode:       semantic.ModeSimilarTo,
		MaxResults: n,
	}, gen.Catalog)
}

// recoverable reports whether a semantic failure may be answered with a
// partial result. The caller's own cancellation never is.
func (r *QueryRouter) recoverable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && models.IsUpstreamError(err)
}

func (r *QueryRouter) degrade(o *Outcome, err error, mode string, kept int) {
	o.Degraded = true
	kind := errorKind(err)
	r.metrics.RecordDegraded(kind)
	r.metrics.RecordRecovered(kind)
	if r.logger != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"mode": mode,
			"kept": kept,
		}).Warn("Semantic search failed, returning partial results")
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrUpstreamRateLimited):
		return "upstream_rate_limited"
	case errors.Is(err, models.ErrUpstreamMalformedResponse):
		return "upstream_malformed_response"
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "upstream_error"
	}
}

// merge concatenates result blocks in priority order, dropping excluded
// books and any book already taken by an earlier block, and keeps the first
// n. Each block keeps its own ordering.
func merge(n int, exclude func(int64) bool, blocks ...[]models.SearchResult) []models.SearchResult {
	out := make([]models.SearchResult, 0, n)
	seen := make(map[int64]struct{})
	for _, block := range blocks {
		for _, res := range block {
			if len(out) == n {
				return out
			}
			if _, dup := seen[res.BookID]; dup {
				continue
			}
			if exclude != nil && exclude(res.BookID) {
				continue
			}
			seen[res.BookID] = struct{}{}
			out = append(out, res)
		}
	}
	return out
}
