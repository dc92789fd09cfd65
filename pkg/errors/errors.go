package apperrors

import "errors"

// Standardized error kinds
var (
	ErrConfigMissing    = errors.New("configuration missing")
	ErrUpstreamHTTP     = errors.New("upstream http error")
	ErrUpstreamNetwork  = errors.New("upstream network error")
	ErrUpstreamDecode   = errors.New("upstream decode error")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrDBConflict       = errors.New("database conflict")
	ErrDBUnavailable    = errors.New("database unavailable")
	ErrValidation       = errors.New("validation failed")
	ErrPrecondition     = errors.New("precondition not met")
	ErrCancelled        = errors.New("operation cancelled")
	ErrInternal         = errors.New("internal error")
)
