package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from a provider API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt against
// the same provider: rate limits, timeouts and server errors.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout:
		return true
	case e.Code >= 500:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err may succeed if the same request is
// sent again. Errors that are not a [StatusError] (network failures,
// decode errors) are treated as retryable.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return err != nil
}
