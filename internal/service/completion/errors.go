package completion

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrHTTPStatus       = errors.New("completion backend returned an error status")
	ErrTransport        = errors.New("completion transport failure")
	ErrMalformed        = errors.New("malformed completion response")
	ErrIncompleteStream = errors.New("completion stream ended before message_end")
)

// HTTPStatusError carries a non-2xx response from the completion backend.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("completion backend status %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is match ErrHTTPStatus.
func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// StreamError is an error event sent inside an otherwise healthy stream.
type StreamError struct {
	Status  int
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code == "" {
		return "completion stream error: " + e.Message
	}
	return fmt.Sprintf("completion stream error %s: %s", e.Code, e.Message)
}

// Describe converts a completion error into a message fit for the chat UI.
func Describe(err error) string {
	var statusErr *HTTPStatusError
	var streamErr *StreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &statusErr):
		if statusErr.Body == "" {
			return fmt.Sprintf("The assistant request failed (HTTP %d).", statusErr.StatusCode)
		}
		return fmt.Sprintf("The assistant request failed (HTTP %d): %s", statusErr.StatusCode, statusErr.Body)
	case errors.As(err, &streamErr):
		return "The assistant reported an error: " + streamErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "The assistant did not answer in time."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, ErrMalformed):
		return "The assistant sent a response that could not be read."
	case errors.Is(err, ErrIncompleteStream):
		return "The assistant stopped answering before finishing."
	case errors.Is(err, ErrTransport):
		return "The assistant service could not be reached."
	default:
		return "The assistant request failed: " + err.Error()
	}
}
