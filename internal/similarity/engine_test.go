package similarity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niktanya/telegram-book-bot/internal/matrix"
	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type allBooks struct{}

func (allBooks) Contains(int64) bool { return true }

func buildEngine(t *testing.T, ratings []models.Rating, opts Options) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	m, _, err := matrix.Build(ratings, allBooks{}, matrix.DefaultOptions(), logger)
	require.NoError(t, err)

	e, err := New(m, opts, metrics.NewCollector(prometheus.NewRegistry()), logger)
	require.NoError(t, err)
	return e
}

func duneRatings() []models.Rating {
	return []models.Rating{
		{UserID: 1, BookID: 1, Value: 5},
		{UserID: 1, BookID: 2, Value: 4},
		{UserID: 2, BookID: 1, Value: 4},
		{UserID: 2, BookID: 3, Value: 2},
	}
}

func TestSimilarTo_Cosine(t *testing.T) {
	e := buildEngine(t, duneRatings(), DefaultOptions())

	got, err := e.SimilarTo(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(2), got[0].BookID)
	assert.InDelta(t, 0.781, got[0].Score, 1e-3)
	assert.Equal(t, int64(3), got[1].BookID)
	assert.InDelta(t, 0.625, got[1].Score, 1e-3)
}

func TestSimilarTo_Jaccard(t *testing.T) {
	e := buildEngine(t, duneRatings(), Options{Metric: MetricJaccard, MinRatings: 1})

	got, err := e.SimilarTo(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Both candidates share one of two raters: tie broken by ascending id.
	assert.Equal(t, Neighbor{BookID: 2, Score: 0.5}, got[0])
	assert.Equal(t, Neighbor{BookID: 3, Score: 0.5}, got[1])
}

func TestSimilarTo_MinCoRaters(t *testing.T) {
	// Book 2 shares raters 1 and 2 with the seed, book 3 only rater 1.
	ratings := []models.Rating{
		{UserID: 1, BookID: 1, Value: 5}, {UserID: 1, BookID: 2, Value: 4}, {UserID: 1, BookID: 3, Value: 3},
		{UserID: 2, BookID: 1, Value: 4}, {UserID: 2, BookID: 2, Value: 5},
		{UserID: 3, BookID: 3, Value: 2},
	}

	tests := []struct {
		name string
		opts Options
		want []int64
	}{
		{"default keeps single co-rater", DefaultOptions(), []int64{2, 3}},
		{"cosine with two co-raters", Options{Metric: MetricCosine, MinCoRaters: 2}, []int64{2}},
		{"jaccard with two co-raters", Options{Metric: MetricJaccard, MinCoRaters: 2}, []int64{2}},
		{"floor above every candidate", Options{Metric: MetricCosine, MinCoRaters: 3}, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := buildEngine(t, ratings, tt.opts)
			got, err := e.SimilarTo(context.Background(), 1, 10)
			require.NoError(t, err)

			ids := make([]int64, 0, len(got))
			for _, n := range got {
				ids = append(ids, n.BookID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSimilarTo_Invariants(t *testing.T) {
	var ratings []models.Rating
	for user := int64(1); user <= 12; user++ {
		for book := int64(1); book <= 15; book++ {
			if (user+book)%3 == 0 || book == 1 {
				ratings = append(ratings, models.Rating{UserID: user, BookID: book, Value: int((user*book)%5) + 1})
			}
		}
	}
	e := buildEngine(t, ratings, DefaultOptions())

	for _, k := range []int{1, 3, 5, 50} {
		got, err := e.SimilarTo(context.Background(), 1, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), k)

		seen := map[int64]bool{}
		for i, n := range got {
			assert.NotEqual(t, int64(1), n.BookID, "seed must not appear")
			assert.False(t, seen[n.BookID], "duplicate %d", n.BookID)
			seen[n.BookID] = true
			if i > 0 {
				prev := got[i-1]
				assert.True(t, prev.Score > n.Score || (prev.Score == n.Score && prev.BookID < n.BookID))
			}
		}
	}
}

func TestSimilarTo_PrefixOfLargerK(t *testing.T) {
	e := buildEngine(t, duneRatings(), DefaultOptions())

	one, err := e.SimilarTo(context.Background(), 1, 1)
	require.NoError(t, err)
	all, err := e.SimilarTo(context.Background(), 1, 20)
	require.NoError(t, err)

	require.Len(t, one, 1)
	assert.Equal(t, all[0], one[0])
}

func TestSimilarTo_InsufficientData(t *testing.T) {
	e := buildEngine(t, duneRatings(), Options{Metric: MetricCosine, MinRatings: 2})

	_, err := e.SimilarTo(context.Background(), 2, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientData))

	var insufficient *models.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(2), insufficient.BookID)
	assert.Equal(t, 1, insufficient.Ratings)
	assert.Equal(t, 2, insufficient.Required)

	_, err = e.SimilarTo(context.Background(), 404, 5)
	assert.True(t, errors.Is(err, models.ErrInsufficientData))
}

func TestSimilarTo_CorruptedEntryIsRecomputed(t *testing.T) {
	e := buildEngine(t, duneRatings(), DefaultOptions())

	e.mu.Lock()
	e.cache[1] = []Neighbor{{BookID: 3, Score: 0.1}, {BookID: 1, Score: 0.9}}
	e.mu.Unlock()

	got, err := e.SimilarTo(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].BookID)
	assert.Equal(t, 1, e.CachedBooks())
}

func TestSimilarTo_Concurrent(t *testing.T) {
	e := buildEngine(t, duneRatings(), DefaultOptions())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.SimilarTo(context.Background(), 1, 2)
			assert.NoError(t, err)
			assert.Len(t, got, 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.CachedBooks())
}

func TestSimilarTo_CancelledContext(t *testing.T) {
	e := buildEngine(t, duneRatings(), DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SimilarTo(ctx, 1, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_UnknownMetric(t *testing.T) {
	_, err := New(nil, Options{Metric: "pearson"}, nil, nil)
	assert.Error(t, err)
}
