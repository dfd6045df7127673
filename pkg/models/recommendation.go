package models

import (
	"time"
)

// Source tags where a result came from. Scores are only comparable within
// one source.
type Source string

const (
	SourceCollaborative Source = "collaborative"
	SourceSemantic      Source = "semantic"
	SourceCatalogExact  Source = "catalog-exact"
)

func (s Source) Valid() bool {
	switch s {
	case SourceCollaborative, SourceSemantic, SourceCatalogExact:
		return true
	default:
		return false
	}
}

type SearchResult struct {
	BookID int64   `json:"book_id"`
	Score  float64 `json:"score"`
	Source Source  `json:"source"`
}

type SearchRequest struct {
	Query string `form:"q" json:"query" binding:"required,max=500"`
	Limit int    `form:"limit" json:"limit" binding:"omitempty,min=1,max=50"`
}

type RecommendRequest struct {
	UserID *int64 `form:"user_id" json:"user_id,omitempty" binding:"omitempty,gt=0"`
	Limit  int    `form:"limit" json:"limit" binding:"omitempty,min=1,max=50"`
}

type TitleRecommendRequest struct {
	Title  string `form:"title" json:"title" binding:"required,max=500"`
	UserID *int64 `form:"user_id" json:"user_id,omitempty" binding:"omitempty,gt=0"`
	Limit  int    `form:"limit" json:"limit" binding:"omitempty,min=1,max=50"`
}

type RankedBook struct {
	Position int         `json:"position"`
	BookID   int64       `json:"book_id"`
	Score    float64     `json:"score"`
	Source   Source      `json:"source"`
	Book     *BookRecord `json:"book,omitempty"`
}

// QueryResponse is the answer to a search or recommendation. SeedBookID is
// set when a typed title was resolved to a catalog book.
type QueryResponse struct {
	SeedBookID  int64        `json:"seed_book_id,omitempty"`
	Results     []RankedBook `json:"results"`
	Path        []string     `json:"path"`
	Degraded    bool         `json:"degraded"`
	CacheHit    bool         `json:"cache_hit"`
	Generation  uint64       `json:"generation"`
	GeneratedAt time.Time    `json:"generated_at"`
}

type RefreshReport struct {
	Generation       uint64        `json:"generation"`
	DropCount        int           `json:"drop_count"`
	Books            int           `json:"books"`
	BooksDropped     int           `json:"books_dropped"`
	Ratings          int           `json:"ratings"`
	OrphanRatings    int           `json:"orphan_ratings"`
	DuplicateRatings int           `json:"duplicate_ratings"`
	InvalidRatings   int           `json:"invalid_ratings"`
	Users            int           `json:"users"`
	RatedBooks       int           `json:"rated_books"`
	Density          float64       `json:"density"`
	BuildTime        time.Duration `json:"build_time"`
	LoadedAt         time.Time     `json:"loaded_at"`
}
