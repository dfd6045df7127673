package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/dataset"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

// Reloader reads both datasets from a source and refreshes the engine with
// them. It is what the admin endpoint, the refresh listener and startup call.
type Reloader struct {
	source dataset.Source
	engine *Engine
	logger *logrus.Logger
}

func NewReloader(source dataset.Source, engine *Engine, logger *logrus.Logger) *Reloader {
	return &Reloader{source: source, engine: engine, logger: logger}
}

func (r *Reloader) Reload(ctx context.Context) (*models.RefreshReport, error) {
	snap, err := r.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s dataset: %w", r.source.Name(), err)
	}

	r.logger.WithFields(logrus.Fields{
		"source":          r.source.Name(),
		"skipped_books":   snap.Report.SkippedBooks,
		"skipped_ratings": snap.Report.SkippedRatings,
	}).Debug("Dataset read, building generation")

	return r.engine.Refresh(ctx, snap.Books, snap.Ratings)
}
