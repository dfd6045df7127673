package semantic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages    []Message
	Temperature *float64
}

// Completer performs one completion call and returns the raw message content.
// Failures are *models.UpstreamError values or the caller's context error.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type ClientConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Client talks to an OpenAI-compatible chat completions endpoint and asks for
// a JSON object response.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *logrus.Logger
}

func NewClient(cfg ClientConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.cfg.Model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", models.NewUpstreamError(models.ErrUpstreamUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// The caller giving up is not an upstream failure.
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", models.NewUpstreamError(models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", models.NewUpstreamError(models.ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		upErr := models.NewUpstreamError(models.ErrUpstreamRateLimited, errors.New(apiMessage(payload, resp.Status)))
		upErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return "", upErr
	case resp.StatusCode >= 500:
		return "", models.NewUpstreamError(models.ErrUpstreamUnavailable, errors.New(apiMessage(payload, resp.Status)))
	case resp.StatusCode != http.StatusOK:
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"status": resp.StatusCode,
			}).Warn("Completion endpoint rejected request")
		}
		return "", models.NewUpstreamError(models.ErrUpstreamUnavailable, errors.New(apiMessage(payload, resp.Status)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", models.NewUpstreamError(models.ErrUpstreamMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", models.NewUpstreamError(models.ErrUpstreamMalformedResponse, errors.New("response has no message content"))
	}

	return decoded.Choices[0].Message.Content, nil
}

func apiMessage(payload []byte, status string) string {
	var e apiError
	if err := json.Unmarshal(payload, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("%s: %s", status, e.Error.Message)
	}
	return status
}

// parseRetryAfter accepts both forms of the Retry-After header.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
