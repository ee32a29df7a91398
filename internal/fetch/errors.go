package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrSelectorNotFound reports that no element matched the requested selector.
	ErrSelectorNotFound = errors.New("selector not found")
	// ErrSessionClosed is returned by Run once the session has been closed.
	ErrSessionClosed = errors.New("browser session closed")
	// ErrUnauthorized reports a missing or mismatched token.
	ErrUnauthorized = errors.New("invalid or missing token")
)

// LaunchError reports that the browser process could not be started.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch browser: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NavigationError reports that a page did not finish loading in time.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

type selectorError struct {
	selector string
}

func (e *selectorError) Error() string {
	return fmt.Sprintf("Selector '%s' not found", e.selector)
}

func (e *selectorError) Is(target error) bool { return target == ErrSelectorNotFound }

// SelectorError reports a selector miss. The result matches ErrSelectorNotFound.
func SelectorError(selector string) error {
	return &selectorError{selector: selector}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
