package fetch

import (
	"fmt"
	"strings"
	"time"
)

// Request describes one navigate-then-extract unit of work.
type Request struct {
	URL      string
	TextOnly bool
	// Selector scopes extraction to the first matching element when set.
	Selector string
	// Wait is slept after the page reaches network idle.
	Wait time.Duration
}

// Validate checks the request before it is admitted to a session.
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return &ValidationError{Field: "url", Reason: "Missing 'url' parameter"}
	}
	if r.Wait < 0 {
		return &ValidationError{Field: "wait", Reason: "wait must be a non-negative integer"}
	}
	if r.Wait > MaxWait {
		return waitTooLong()
	}
	return nil
}

// WaitSeconds converts a caller-supplied number of seconds into a wait,
// rejecting values outside [0, MaxWait] before they can overflow.
func WaitSeconds(n int64) (time.Duration, error) {
	if n < 0 {
		return 0, &ValidationError{Field: "wait", Reason: "wait must be a non-negative integer"}
	}
	if n > int64(MaxWait/time.Second) {
		return 0, waitTooLong()
	}
	return time.Duration(n) * time.Second, nil
}

func waitTooLong() error {
	return &ValidationError{
		Field:  "wait",
		Reason: fmt.Sprintf("wait must be at most %d seconds", int64(MaxWait/time.Second)),
	}
}

// OpenOptions configures how a browser session is launched.
type OpenOptions struct {
	// ProfileDir holds cookies and storage across runs. Empty means an
	// ephemeral context that is discarded on close.
	ProfileDir string
	Headless   bool
	// StartURL is loaded right after launch. Empty skips the initial navigation.
	StartURL     string
	StartTimeout time.Duration
	NavTimeout   time.Duration
	// IdleQuiet is how long the network must stay quiet to count as idle.
	IdleQuiet time.Duration
	ExecPath  string
	UserAgent string
}

const (
	// DefaultStartTimeout bounds the initial navigation of a fresh session.
	DefaultStartTimeout = 60 * time.Second
	// DefaultNavTimeout bounds every per-request navigation.
	DefaultNavTimeout = 30 * time.Second
	// DefaultIdleQuiet matches the usual "networkidle" definition.
	DefaultIdleQuiet = 500 * time.Millisecond
	// DefaultWait is applied when a caller does not ask for a specific wait.
	DefaultWait = 5 * time.Second
	// MaxWait caps Request.Wait.
	MaxWait = 10 * time.Minute
)

// WithDefaults fills zero durations with package defaults.
func (o OpenOptions) WithDefaults() OpenOptions {
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = DefaultNavTimeout
	}
	if o.IdleQuiet <= 0 {
		o.IdleQuiet = DefaultIdleQuiet
	}
	return o
}
