package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. All permanent ones are returned wrapped with retry.Permanent.
var (
	ErrGenerationNotFound = errors.New("upstream: generation not found")
	ErrMissingCostField   = errors.New("upstream: response missing cost field")
	ErrInvalidCost        = errors.New("upstream: invalid cost value")
	ErrInvalidBody        = errors.New("upstream: response body is not valid JSON")
)

// StatusError is a non-200 response other than 404.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the upstream asked us to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
