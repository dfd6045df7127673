package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niktanya/telegram-book-bot/internal/config"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

const (
	testBooks = `book_id,title_en,authors_en,year,genre
1,Dune,Frank Herbert,1965,Science Fiction
2,Foundation,Isaac Asimov,1951,Science Fiction
3,The Hunger Games,Suzanne Collins,2008,Dystopia
`
	testRatings = `user_id,book_id,rating
1,1,5
1,2,4
2,1,4
2,3,2
`
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	books := filepath.Join(dir, "books.csv")
	ratings := filepath.Join(dir, "ratings.csv")
	require.NoError(t, os.WriteFile(books, []byte(testBooks), 0o644))
	require.NoError(t, os.WriteFile(ratings, []byte(testRatings), 0o644))

	cfgPath := filepath.Join(dir, "app.yaml")
	yaml := "logging:\n  level: panic\n" +
		"server:\n  admin_token: secret\n" +
		"dataset:\n  driver: csv\n  books_path: " + books + "\n  ratings_path: " + ratings + "\n" +
		"semantic:\n  client:\n    endpoint: http://127.0.0.1:1/v1/chat/completions\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	return cfg
}

func serve(a *App, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	return w
}

func TestApp_EndToEnd(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	w := serve(a, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	a.Start(context.Background())

	w = serve(a, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusOK, serve(a, http.MethodGet, "/ready", "").Code)

	w = serve(a, http.MethodGet, "/api/v1/books/1/recommendations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(2), resp.Results[0].BookID)
	assert.Equal(t, int64(3), resp.Results[1].BookID)
	assert.Equal(t, models.SourceCollaborative, resp.Results[0].Source)
	assert.Equal(t, uint64(1), resp.Generation)

	w = serve(a, http.MethodGet, "/api/v1/recommendations?title=dune&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var byTitle models.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &byTitle))
	assert.Equal(t, int64(1), byTitle.SeedBookID)
	require.Len(t, byTitle.Results, 2)
	assert.Equal(t, int64(2), byTitle.Results[0].BookID)

	w = serve(a, http.MethodGet, "/api/v1/books/2", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Foundation")

	w = serve(a, http.MethodGet, "/api/v1/books/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApp_AdminRoutes(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	a.Start(context.Background())

	assert.Equal(t, http.StatusUnauthorized, serve(a, http.MethodPost, "/api/v1/admin/refresh", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(a, http.MethodPost, "/api/v1/admin/refresh", "wrong").Code)

	w := serve(a, http.MethodPost, "/api/v1/admin/refresh", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	var report models.RefreshReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, uint64(2), report.Generation)
	assert.Equal(t, 3, report.Books)
	assert.Equal(t, 4, report.Ratings)

	w = serve(a, http.MethodGet, "/api/v1/admin/config", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "api_key")

	w = serve(a, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bookrec_generation 2")
}

func TestInspect(t *testing.T) {
	cfg := testConfig(t)
	report, read, err := Inspect(context.Background(), cfg, NewLogger(cfg))
	require.NoError(t, err)

	assert.Equal(t, 3, read.BookRows)
	assert.Equal(t, 4, read.RatingRows)
	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 3, report.RatedBooks)
}
