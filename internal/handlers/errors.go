package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// respondError maps an engine error to its HTTP status and error code.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	message := err.Error()

	switch {
	case errors.Is(err, models.ErrInvalidQuery):
		status, code = http.StatusBadRequest, "INVALID_QUERY"
	case errors.Is(err, models.ErrBookNotFound):
		status, code = http.StatusNotFound, "BOOK_NOT_FOUND"
	case errors.Is(err, models.ErrNotReady):
		status, code = http.StatusServiceUnavailable, "NOT_READY"
	case errors.Is(err, models.ErrUpstreamRateLimited):
		status, code = http.StatusTooManyRequests, "UPSTREAM_RATE_LIMITED"
		var upErr *models.UpstreamError
		if errors.As(err, &upErr) && upErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(upErr.RetryAfter.Seconds()))))
		}
	case errors.Is(err, models.ErrUpstreamUnavailable):
		status, code = http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, models.ErrUpstreamMalformedResponse):
		status, code = http.StatusBadGateway, "UPSTREAM_MALFORMED_RESPONSE"
	case errors.Is(err, models.ErrDataIntegrity):
		status, code = http.StatusUnprocessableEntity, "DATA_INTEGRITY"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, code = http.StatusRequestTimeout, "REQUEST_TIMEOUT"
	default:
		message = "Internal server error"
	}

	entry := logger.WithError(err).WithFields(logrus.Fields{
		"code": code,
		"path": c.Request.URL.Path,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	errorJSON(c, status, code, message)
}
