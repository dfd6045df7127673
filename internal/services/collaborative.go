package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

// minNeighbors is the floor on how many neighbors are pulled before filtering.
const minNeighbors = 20

// CollaborativeRecommender ranks books by item-item similarity to a seed.
type CollaborativeRecommender struct {
	logger *logrus.Logger
}

func NewCollaborativeRecommender(logger *logrus.Logger) *CollaborativeRecommender {
	return &CollaborativeRecommender{logger: logger}
}

// Recommend returns up to n books similar to seed, skipping books userID has
// already rated. Scores are divided by the best score so the top result is 1.
// An *models.InsufficientDataError from the similarity engine is returned
// unchanged.
func (r *CollaborativeRecommender) Recommend(ctx context.Context, gen *Generation, seed int64, userID *int64, n int) ([]models.SearchResult, error) {
	if n <= 0 {
		return nil, nil
	}

	k := max(3*n, minNeighbors)
	neighbors, err := gen.Similarity.SimilarTo(ctx, seed, k)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, n)
	for _, nb := range neighbors {
		if nb.BookID == seed {
			continue
		}
		if userID != nil && gen.Matrix.HasRated(*userID, nb.BookID) {
			continue
		}
		results = append(results, models.SearchResult{
			BookID: nb.BookID,
			Score:  nb.Score,
			Source: models.SourceCollaborative,
		})
		if len(results) == n {
			break
		}
	}

	if len(results) > 0 && results[0].Score > 0 {
		top := results[0].Score
		for i := range results {
			results[i].Score /= top
		}
	}

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"seed":       seed,
			"neighbors":  len(neighbors),
			"candidates": len(results),
		}).Debug("Collaborative candidates ranked")
	}
	return results, nil
}
