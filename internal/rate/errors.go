package rate

import "errors"

var (
	// ErrRateLimited is returned when a family exceeded its refresh budget for the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
