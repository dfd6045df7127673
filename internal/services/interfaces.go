package services

import (
	"context"

	"github.com/niktanya/telegram-book-bot/internal/semantic"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

// SemanticSearcher runs one semantic query. *semantic.Adapter and
// *SemanticGateway both implement it.
type SemanticSearcher interface {
	Query(ctx context.Context, q semantic.Query, resolver semantic.Resolver) ([]models.SearchResult, error)
}

// EngineInterface is what the HTTP layer needs from the engine.
type EngineInterface interface {
	Search(ctx context.Context, text string, n int) (*models.QueryResponse, error)
	Recommend(ctx context.Context, seed int64, userID *int64, n int) (*models.QueryResponse, error)
	RecommendByTitle(ctx context.Context, title string, userID *int64, n int) (*models.QueryResponse, error)
	Book(id int64) (*models.BookRecord, error)
	Stats() (*models.RefreshReport, error)
}

// DatasetReloader reloads the datasets and swaps in a new generation.
type DatasetReloader interface {
	Reload(ctx context.Context) (*models.RefreshReport, error)
}

// HealthChecker reports service health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) *HealthStatus
}
