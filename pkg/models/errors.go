package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDataIntegrity             = errors.New("data integrity violation")
	ErrInsufficientData          = errors.New("insufficient rating data")
	ErrUpstreamUnavailable       = errors.New("semantic search upstream unavailable")
	ErrUpstreamRateLimited       = errors.New("semantic search upstream rate limited")
	ErrUpstreamMalformedResponse = errors.New("semantic search upstream returned a malformed response")
	ErrCacheCorruption           = errors.New("cache entry corrupted")
	ErrBookNotFound              = errors.New("book not found")
	ErrInvalidQuery              = errors.New("invalid query")
	ErrNotReady                  = errors.New("no dataset generation loaded")
)

// DataIntegrityError aborts a load or refresh. It never reaches an in-flight query.
type DataIntegrityError struct {
	Orphans     int
	Total       int
	MaxFraction float64
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("%s: %d of %d ratings reference unknown books (limit %.0f%%)",
		ErrDataIntegrity, e.Orphans, e.Total, e.MaxFraction*100)
}

func (e *DataIntegrityError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// InsufficientDataError is the cold-start signal consumed by the router.
type InsufficientDataError struct {
	BookID   int64
	Ratings  int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: book %d has %d ratings, need %d",
		ErrInsufficientData, e.BookID, e.Ratings, e.Required)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// UpstreamError is a failure of the semantic completion service. Kind is one
// of ErrUpstreamUnavailable, ErrUpstreamRateLimited or
// ErrUpstreamMalformedResponse.
type UpstreamError struct {
	Kind       error
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Is(target error) bool {
	return target == e.Kind
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func NewUpstreamError(kind error, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Err: err}
}

// IsUpstreamError reports whether err is any kind of semantic upstream failure.
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrUpstreamRateLimited) ||
		errors.Is(err, ErrUpstreamMalformedResponse)
}

// CacheCorruptionError is fatal to one cache entry only.
type CacheCorruptionError struct {
	Cache  string
	Key    string
	Reason string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("%s: %s[%s]: %s", ErrCacheCorruption, e.Cache, e.Key, e.Reason)
}

func (e *CacheCorruptionError) Is(target error) bool {
	return target == ErrCacheCorruption
}
