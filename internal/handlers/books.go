package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/services"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

const defaultLimit = 5

type BookHandler struct {
	engine services.EngineInterface
	logger *logrus.Logger
}

func NewBookHandler(engine services.EngineInterface, logger *logrus.Logger) *BookHandler {
	return &BookHandler{engine: engine, logger: logger}
}

// Search handles GET /api/v1/search?q=...&limit=...
func (h *BookHandler) Search(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}

	resp, err := h.engine.Search(c.Request.Context(), req.Query, req.Limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Recommend handles GET /api/v1/books/:id/recommendations?user_id=...&limit=...
func (h *BookHandler) Recommend(c *gin.Context) {
	seed, ok := h.bookID(c)
	if !ok {
		return
	}

	var req models.RecommendRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}

	resp, err := h.engine.Recommend(c.Request.Context(), seed, req.UserID, req.Limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RecommendByTitle handles GET /api/v1/recommendations?title=...&user_id=...&limit=...
func (h *BookHandler) RecommendByTitle(c *gin.Context) {
	var req models.TitleRecommendRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}

	resp, err := h.engine.RecommendByTitle(c.Request.Context(), req.Title, req.UserID, req.Limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /api/v1/books/:id
func (h *BookHandler) Get(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}

	book, err := h.engine.Book(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *BookHandler) bookID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorJSON(c, http.StatusBadRequest, "INVALID_BOOK_ID", "Book id must be a positive integer")
		return 0, false
	}
	return id, true
}
