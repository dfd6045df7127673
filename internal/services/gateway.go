package services

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/governor"
	"github.com/niktanya/telegram-book-bot/internal/semantic"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

// SemanticGateway puts the rate governor in front of the semantic adapter.
// A rate limit reported by the upstream itself starts the governor cooldown.
type SemanticGateway struct {
	governor *governor.Governor
	searcher SemanticSearcher
	logger   *logrus.Logger
}

func NewSemanticGateway(gov *governor.Governor, searcher SemanticSearcher, logger *logrus.Logger) *SemanticGateway {
	return &SemanticGateway{governor: gov, searcher: searcher, logger: logger}
}

func (g *SemanticGateway) Query(ctx context.Context, q semantic.Query, resolver semantic.Resolver) ([]models.SearchResult, error) {
	release, err := g.governor.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	results, err := g.searcher.Query(ctx, q, resolver)
	if err != nil && errors.Is(err, models.ErrUpstreamRateLimited) {
		var upErr *models.UpstreamError
		if errors.As(err, &upErr) {
			g.governor.TripCooldown(upErr.RetryAfter)
		} else {
			g.governor.TripCooldown(0)
		}
	}
	return results, err
}
