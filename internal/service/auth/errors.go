package auth

import "github.com/pkg/errors"

var (
	// ErrRejected means the identity backend refused the request, for
	// example a duplicate email or wrong password.
	ErrRejected = errors.New("authentication rejected")
	// ErrTransport means the identity backend could not be reached or
	// answered with something unusable.
	ErrTransport = errors.New("authentication backend unavailable")
	// ErrNotAuthenticated means the session has no signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Error is an authentication failure with a message that can be shown to
// the user.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func rejected(message string) error {
	return &Error{Kind: ErrRejected, Message: message}
}

func transport(message string, err error) error {
	return &Error{Kind: ErrTransport, Message: message, Err: err}
}

// Describe returns the text shown to the user for err.
func Describe(err error) string {
	var authErr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr) && authErr.Kind == ErrRejected:
		return authErr.Message
	case errors.Is(err, ErrTransport):
		return "The sign-in service is unavailable, please try again later."
	case errors.Is(err, ErrNotAuthenticated):
		return "Please sign in first."
	default:
		return "Authentication failed."
	}
}
