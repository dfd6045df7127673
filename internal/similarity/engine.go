package similarity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/niktanya/telegram-book-bot/internal/matrix"
	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type Metric string

const (
	MetricCosine  Metric = "cosine"
	MetricJaccard Metric = "jaccard"
)

type Options struct {
	Metric Metric `mapstructure:"metric"`
	// MinRatings is the number of ratings a seed book needs before
	// collaborative filtering is attempted.
	MinRatings int `mapstructure:"min_ratings"`
	// MinCoRaters is the number of users who must have rated both the seed
	// and a candidate before the candidate counts as a neighbor.
	MinCoRaters int `mapstructure:"min_co_raters"`
}

func DefaultOptions() Options {
	return Options{Metric: MetricCosine, MinRatings: 1, MinCoRaters: 1}
}

type Neighbor struct {
	BookID int64   `json:"book_id"`
	Score  float64 `json:"score"`
}

// Engine computes item-item similarity over one rating matrix. Neighbor lists
// are computed on first use and kept until the Engine is dropped together with
// its matrix generation.
type Engine struct {
	matrix  *matrix.Matrix
	opts    Options
	metrics *metrics.Collector
	logger  *logrus.Logger

	mu    sync.RWMutex
	cache map[int64][]Neighbor
	group singleflight.Group
}

func New(m *matrix.Matrix, opts Options, collector *metrics.Collector, logger *logrus.Logger) (*Engine, error) {
	switch opts.Metric {
	case "":
		opts.Metric = MetricCosine
	case MetricCosine, MetricJaccard:
	default:
		return nil, fmt.Errorf("unknown similarity metric %q", opts.Metric)
	}
	if opts.MinRatings < 1 {
		opts.MinRatings = 1
	}
	if opts.MinCoRaters < 1 {
		opts.MinCoRaters = 1
	}

	return &Engine{
		matrix:  m,
		opts:    opts,
		metrics: collector,
		logger:  logger,
		cache:   make(map[int64][]Neighbor),
	}, nil
}

func (e *Engine) Metric() Metric {
	return e.opts.Metric
}

// CachedBooks reports how many seed books have a neighbor list.
func (e *Engine) CachedBooks() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// SimilarTo returns at most k books most similar to bookID, by descending
// score with ascending book id on ties. The seed itself and books sharing
// fewer than MinCoRaters raters with it are never returned.
func (e *Engine) SimilarTo(ctx context.Context, bookID int64, k int) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	ratings := e.matrix.Column(bookID).Len()
	if ratings < e.opts.MinRatings {
		return nil, &models.InsufficientDataError{
			BookID:   bookID,
			Ratings:  ratings,
			Required: e.opts.MinRatings,
		}
	}

	neighbors, ok := e.cached(bookID)
	if !ok {
		v, err, _ := e.group.Do(strconv.FormatInt(bookID, 10), func() (interface{}, error) {
			if list, ok := e.cached(bookID); ok {
				return list, nil
			}
			list := e.compute(bookID)
			e.mu.Lock()
			e.cache[bookID] = list
			e.mu.Unlock()
			return list, nil
		})
		if err != nil {
			return nil, err
		}
		neighbors = v.([]Neighbor)
	}

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	out := make([]Neighbor, len(neighbors))
	copy(out, neighbors)
	return out, nil
}

// cached returns a valid cached list. An entry that breaks the ordering
// invariants is discarded so the caller recomputes it.
func (e *Engine) cached(bookID int64) ([]Neighbor, bool) {
	e.mu.RLock()
	list, ok := e.cache[bookID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if err := validate(bookID, list); err != nil {
		e.mu.Lock()
		delete(e.cache, bookID)
		e.mu.Unlock()
		e.metrics.RecordCacheCorruption("similarity")
		if e.logger != nil {
			e.logger.WithError(err).WithField("book_id", bookID).Warn("Discarding corrupted similarity entry")
		}
		return nil, false
	}
	return list, true
}

func (e *Engine) compute(bookID int64) []Neighbor {
	seed := e.matrix.Column(bookID)
	candidates := e.matrix.CoRated(bookID)
	out := make([]Neighbor, 0, len(candidates))

	for _, other := range candidates {
		col := e.matrix.Column(other)
		common, _ := matrix.Overlap(seed, col)
		if len(common) < e.opts.MinCoRaters {
			continue
		}
		var score float64
		switch e.opts.Metric {
		case MetricJaccard:
			score = jaccard(seed, col, len(common))
		default:
			score = cosine(seed, col, e.matrix.ColumnNorm(bookID), e.matrix.ColumnNorm(other))
		}
		if score <= 0 || math.IsNaN(score) {
			continue
		}
		out = append(out, Neighbor{BookID: other, Score: score})
	}

	sortNeighbors(out)
	return out
}

func cosine(a, b matrix.Vector, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	return matrix.Dot(a, b) / (normA * normB)
}

func jaccard(a, b matrix.Vector, common int) float64 {
	union := a.Len() + b.Len() - common
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}

func sortNeighbors(list []Neighbor) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].BookID < list[j].BookID
	})
}

func validate(seed int64, list []Neighbor) error {
	seen := make(map[int64]struct{}, len(list))
	for i, n := range list {
		if n.BookID == seed {
			return &models.CacheCorruptionError{Cache: "similarity", Key: strconv.FormatInt(seed, 10), Reason: "contains seed"}
		}
		if _, dup := seen[n.BookID]; dup {
			return &models.CacheCorruptionError{Cache: "similarity", Key: strconv.FormatInt(seed, 10), Reason: "duplicate book"}
		}
		seen[n.BookID] = struct{}{}
		if i > 0 {
			prev := list[i-1]
			if prev.Score < n.Score || (prev.Score == n.Score && prev.BookID > n.BookID) {
				return &models.CacheCorruptionError{Cache: "similarity", Key: strconv.FormatInt(seed, 10), Reason: "out of order"}
			}
		}
	}
	return nil
}
