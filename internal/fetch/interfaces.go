package fetch

import "context"

// Session owns one live browser page. Run mutates the page, so callers that
// share a Session must serialise their calls.
type Session interface {
	Run(ctx context.Context, req Request) (string, error)
	// Close releases the browser. It is safe to call more than once.
	Close() error
}

// Opener launches browser sessions.
type Opener interface {
	Open(ctx context.Context, opts OpenOptions) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, opts OpenOptions) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, opts OpenOptions) (Session, error) {
	return f(ctx, opts)
}
