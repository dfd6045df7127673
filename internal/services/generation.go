package services

import (
	"time"

	"github.com/niktanya/telegram-book-bot/internal/catalog"
	"github.com/niktanya/telegram-book-bot/internal/matrix"
	"github.com/niktanya/telegram-book-bot/internal/similarity"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

// Generation is one immutable snapshot of the datasets and everything derived
// from them. Queries pin a generation at entry and finish on it. ID counts
// refreshes within this process; Token is unique across processes and keys
// the result cache.
type Generation struct {
	ID         uint64
	Token      string
	Catalog    *catalog.Store
	Matrix     *matrix.Matrix
	Similarity *similarity.Engine
	Report     models.RefreshReport
	LoadedAt   time.Time
}
