package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

func newTestGeneration(t *testing.T, books []models.BookRecord, ratings []models.Rating) *Generation {
	t.Helper()
	e := loadedEngine(t, new(MockSemanticSearcher), books, ratings)
	return e.Current()
}

func TestMerge(t *testing.T) {
	collab := []models.SearchResult{
		{BookID: 2, Score: 1, Source: models.SourceCollaborative},
		{BookID: 3, Score: 0.5, Source: models.SourceCollaborative},
	}
	found := []models.SearchResult{
		{BookID: 3, Score: 0.9, Source: models.SourceSemantic},
		{BookID: 1, Score: 0.8, Source: models.SourceSemantic},
		{BookID: 4, Score: 0.7, Source: models.SourceSemantic},
		{BookID: 5, Score: 0.6, Source: models.SourceSemantic},
	}
	notOne := func(id int64) bool { return id == 1 }

	tests := []struct {
		name string
		n    int
		want []int64
	}{
		{"all", 10, []int64{2, 3, 4, 5}},
		{"truncated", 3, []int64{2, 3, 4}},
		{"first block only", 2, []int64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := merge(tt.n, notOne, collab, found)
			var ids []int64
			for _, r := range got {
				ids = append(ids, r.BookID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	merged := merge(10, nil, collab, found)
	assert.Equal(t, models.SourceCollaborative, merged[1].Source, "earlier block wins a duplicate")
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "upstream_rate_limited", errorKind(models.NewUpstreamError(models.ErrUpstreamRateLimited, nil)))
	assert.Equal(t, "upstream_malformed_response", errorKind(models.NewUpstreamError(models.ErrUpstreamMalformedResponse, nil)))
	assert.Equal(t, "upstream_unavailable", errorKind(models.NewUpstreamError(models.ErrUpstreamUnavailable, nil)))
	assert.Equal(t, "upstream_error", errorKind(errors.New("boom")))
}

func TestQueryRouter_CallerCancellationIsNotDegraded(t *testing.T) {
	gen := newTestGeneration(t, duneBooks(), duneRatings())

	ctx, cancel := context.WithCancel(context.Background())
	searcher := new(MockSemanticSearcher)
	searcher.On("Query", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(nil, models.NewUpstreamError(models.ErrUpstreamUnavailable, context.Canceled)).Once()

	router := NewQueryRouter(NewCollaborativeRecommender(quietLogger()), searcher, nil, quietLogger())
	o := router.Recommend(ctx, gen, 1, nil, 5)

	require.Error(t, o.Err)
	assert.False(t, o.Degraded)
	assert.Equal(t, StateFailed, o.Path[len(o.Path)-1])
}

func TestQueryRouter_NonPositiveLimit(t *testing.T) {
	gen := newTestGeneration(t, duneBooks(), duneRatings())
	router := NewQueryRouter(NewCollaborativeRecommender(quietLogger()), new(MockSemanticSearcher), nil, quietLogger())

	o := router.Recommend(context.Background(), gen, 1, nil, 0)
	assert.ErrorIs(t, o.Err, models.ErrInvalidQuery)
	o = router.Search(context.Background(), gen, "dune", -1)
	assert.ErrorIs(t, o.Err, models.ErrInvalidQuery)
	assert.Equal(t, []string{"Received", "Routing", "Failed"}, o.PathStrings())
}

func TestQueryRouter_SemanticFailureWithoutFallback(t *testing.T) {
	gen := newTestGeneration(t, duneBooks(), duneRatings())
	searcher := new(MockSemanticSearcher)
	searcher.On("Query", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, models.NewUpstreamError(models.ErrUpstreamMalformedResponse, nil)).Once()

	router := NewQueryRouter(NewCollaborativeRecommender(quietLogger()), searcher, nil, quietLogger())
	o := router.Search(context.Background(), gen, "space opera", 5)

	assert.ErrorIs(t, o.Err, models.ErrUpstreamMalformedResponse)
	assert.True(t, o.Visited(StateSemantic))
	assert.False(t, o.Visited(StateMerging))
}

func TestCollaborativeRecommender_NormalizesScores(t *testing.T) {
	gen := newTestGeneration(t, shelfBooks(), shelfRatings())
	rec := NewCollaborativeRecommender(quietLogger())

	results, err := rec.Recommend(context.Background(), gen, 1, nil, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1.0, results[0].Score)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
		assert.Greater(t, results[i].Score, 0.0)
		assert.NotEqual(t, int64(1), results[i].BookID)
	}

	_, err = rec.Recommend(context.Background(), gen, 7, nil, 3)
	var insufficient *models.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(7), insufficient.BookID)

	none, err := rec.Recommend(context.Background(), gen, 1, nil, 0)
	assert.NoError(t, err)
	assert.Empty(t, none)
}
