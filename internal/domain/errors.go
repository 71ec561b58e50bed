package domain

import "errors"

// Domain errors
var (
	ErrGameNotFound   = errors.New("game not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrScoreNotFound  = errors.New("score not found")
	ErrGameExists     = errors.New("game already exists")
	ErrPlayerExists   = errors.New("player already exists")
	ErrInvalidConfig  = errors.New("invalid game configuration")
	ErrInvalidScore   = errors.New("invalid score submission")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrGameNotFound) ||
		errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrScoreNotFound)
}

// IsConflictError checks if an error reports a duplicate identifier
func IsConflictError(err error) bool {
	return errors.Is(err, ErrGameExists) || errors.Is(err, ErrPlayerExists)
}

// IsValidationError checks if an error was caused by malformed caller input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidScore) ||
		errors.Is(err, ErrInvalidRequest)
}
