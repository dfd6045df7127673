package semantic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/catalog"
	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/internal/validation"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type Mode string

const (
	ModeSearch    Mode = "search"
	ModeSimilarTo Mode = "similar-to"
)

type Query struct {
	Text       string
	Mode       Mode
	MaxResults int
}

// Resolver maps a title, and optionally its authors, to a catalog book.
type Resolver interface {
	Lookup(title string, authors ...string) (catalog.Match, bool)
}

type Options struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MatchThreshold float64       `mapstructure:"match_threshold"`
	Temperature    *float64      `mapstructure:"temperature"`
}

func DefaultOptions() Options {
	return Options{Timeout: 15 * time.Second, MatchThreshold: 0.8}
}

// Adapter turns one query into one completion call and maps the answer onto
// catalog books.
type Adapter struct {
	completer Completer
	schemas   *validation.SchemaValidator
	opts      Options
	metrics   *metrics.Collector
	logger    *logrus.Logger
}

func NewAdapter(completer Completer, schemas *validation.SchemaValidator, opts Options, collector *metrics.Collector, logger *logrus.Logger) *Adapter {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MatchThreshold <= 0 || opts.MatchThreshold > 1 {
		opts.MatchThreshold = defaults.MatchThreshold
	}
	return &Adapter{
		completer: completer,
		schemas:   schemas,
		opts:      opts,
		metrics:   collector,
		logger:    logger,
	}
}

type candidate struct {
	titles  []string
	authors []string
	score   *float64
}

type searchPayload struct {
	Books []struct {
		TitleEn   string   `json:"title_en"`
		TitleRu   string   `json:"title_ru"`
		AuthorsEn string   `json:"authors_en"`
		AuthorsRu string   `json:"authors_ru"`
		Score     *float64 `json:"score"`
	} `json:"books"`
}

type similarPayload struct {
	Recommendations []struct {
		Title  string   `json:"title"`
		Author string   `json:"author"`
		Score  *float64 `json:"score"`
	} `json:"recommendations"`
}

// Query runs q against the completion service. Results are tagged semantic,
// scored in [0,1] and ordered by descending score then ascending book id.
// Candidates that resolve to no catalog book above the match threshold are
// dropped.
func (a *Adapter) Query(ctx context.Context, q Query, resolver Resolver) ([]models.SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("%w: empty query text", models.ErrInvalidQuery)
	}
	if q.MaxResults <= 0 {
		return nil, fmt.Errorf("%w: max results must be positive", models.ErrInvalidQuery)
	}
	if q.Mode != ModeSearch && q.Mode != ModeSimilarTo {
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidQuery, q.Mode)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	start := time.Now()
	content, err := a.completer.Complete(callCtx, CompletionRequest{
		Messages:    buildMessages(q),
		Temperature: a.opts.Temperature,
	})
	if err != nil {
		err = a.classify(ctx, callCtx, err)
		a.metrics.RecordSemanticCall(string(q.Mode), outcome(err), time.Since(start))
		return nil, err
	}

	candidates, err := a.parse(q.Mode, content)
	if err != nil {
		a.metrics.RecordSemanticCall(string(q.Mode), outcome(err), time.Since(start))
		if a.logger != nil {
			a.logger.WithError(err).WithField("mode", q.Mode).Warn("Semantic response rejected")
		}
		return nil, err
	}
	a.metrics.RecordSemanticCall(string(q.Mode), "ok", time.Since(start))

	return a.resolve(q, candidates, resolver), nil
}

// classify turns a deadline hit by the per-call timeout into Unavailable and
// passes the caller's own cancellation through unchanged.
func (a *Adapter) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if models.IsUpstreamError(err) {
		return err
	}
	if callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return models.NewUpstreamError(models.ErrUpstreamUnavailable, fmt.Errorf("call timed out after %s: %w", a.opts.Timeout, err))
	}
	return models.NewUpstreamError(models.ErrUpstreamUnavailable, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrUpstreamRateLimited):
		return "rate_limited"
	case errors.Is(err, models.ErrUpstreamMalformedResponse):
		return "malformed"
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "cancelled"
	}
}

func (a *Adapter) parse(mode Mode, content string) ([]candidate, error) {
	schemaName := validation.SchemaSearchResponse
	if mode == ModeSimilarTo {
		schemaName = validation.SchemaSimilarResponse
	}
	if a.schemas != nil {
		if err := a.schemas.ValidateJSONString(schemaName, content).Err(); err != nil {
			return nil, models.NewUpstreamError(models.ErrUpstreamMalformedResponse, err)
		}
	}

	var out []candidate
	switch mode {
	case ModeSimilarTo:
		var payload similarPayload
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return nil, models.NewUpstreamError(models.ErrUpstreamMalformedResponse, err)
		}
		for _, r := range payload.Recommendations {
			out = append(out, candidate{
				titles:  nonEmpty(r.Title),
				authors: splitAuthors(r.Author),
				score:   r.Score,
			})
		}
	default:
		var payload searchPayload
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return nil, models.NewUpstreamError(models.ErrUpstreamMalformedResponse, err)
		}
		for _, b := range payload.Books {
			out = append(out, candidate{
				titles:  nonEmpty(b.TitleEn, b.TitleRu),
				authors: append(splitAuthors(b.AuthorsEn), splitAuthors(b.AuthorsRu)...),
				score:   b.Score,
			})
		}
	}

	for _, c := range out {
		if len(c.titles) == 0 {
			return nil, models.NewUpstreamError(models.ErrUpstreamMalformedResponse, errors.New("entry carries no title"))
		}
	}
	return out, nil
}

func (a *Adapter) resolve(q Query, candidates []candidate, resolver Resolver) []models.SearchResult {
	if len(candidates) > q.MaxResults {
		candidates = candidates[:q.MaxResults]
	}

	results := make([]models.SearchResult, 0, len(candidates))
	seen := make(map[int64]struct{}, len(candidates))
	unresolved := 0

	for rank, c := range candidates {
		var best catalog.Match
		found := false
		for _, title := range c.titles {
			if m, ok := resolver.Lookup(title, c.authors...); ok && (!found || m.Score > best.Score) {
				best, found = m, true
			}
		}
		if !found || best.Score < a.opts.MatchThreshold {
			unresolved++
			if a.logger != nil {
				a.logger.WithFields(logrus.Fields{
					"title": c.titles[0],
					"match": best.Score,
				}).Debug("Semantic candidate not in catalog")
			}
			continue
		}
		if _, dup := seen[best.BookID]; dup {
			continue
		}
		seen[best.BookID] = struct{}{}

		score := 1 - float64(rank)/float64(q.MaxResults)
		if c.score != nil && *c.score >= 0 && *c.score <= 1 {
			score = *c.score
		}
		results = append(results, models.SearchResult{
			BookID: best.BookID,
			Score:  score,
			Source: models.SourceSemantic,
		})
	}

	a.metrics.RecordUnresolved(unresolved)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].BookID < results[j].BookID
	})
	return results
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitAuthors(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
