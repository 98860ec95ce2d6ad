package httpclient

import "fmt"

// StatusError represents a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
	RateLimit  *RateLimitInfo
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// NewStatusError creates a status error with a captured response body.
func NewStatusError(statusCode int, status, body string) *StatusError {
	return &StatusError{StatusCode: statusCode, Status: status, Body: body}
}
