package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// LoginSavedMessage is returned by Login once the profile holds the session.
const LoginSavedMessage = "Login session saved."

// Once opens a session against opts, runs a single request and closes the
// session again, returning the extracted content.
func Once(ctx context.Context, opener Opener, opts OpenOptions, req Request, logger *zap.Logger) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	opts.StartURL = ""
	session, err := opener.Open(ctx, opts)
	if err != nil {
		return "", err
	}
	defer closeSession(session, logger)

	content, err := session.Run(ctx, req)
	if err != nil {
		return "", err
	}
	return content, nil
}

// Login opens a visible browser at url and keeps it open until a line is read
// from confirm, so the user can sign in by hand. The cookies end up in the
// profile directory for later headless fetches.
func Login(
	ctx context.Context,
	opener Opener,
	opts OpenOptions,
	url string,
	confirm io.Reader,
	prompt io.Writer,
	logger *zap.Logger,
) (string, error) {
	if url == "" {
		return "", &ValidationError{Field: "url", Reason: "Missing 'url' parameter"}
	}
	if opts.ProfileDir == "" {
		return "", errors.New("login requires a profile directory")
	}
	opts.Headless = false
	opts.StartURL = url
	opts.StartTimeout = opts.NavTimeout

	fmt.Fprintf(prompt, "Opening %s for login...\n", url)
	fmt.Fprintln(prompt, "Log in to the site, then press Enter here when done.")

	session, err := opener.Open(ctx, opts)
	if err != nil {
		return "", err
	}
	defer closeSession(session, logger)

	fmt.Fprint(prompt, "\nPress Enter after you've logged in...")
	if err := waitForLine(ctx, confirm); err != nil {
		return "", err
	}
	fmt.Fprintln(prompt, "Session saved. You can now fetch pages with --headless.")
	return LoginSavedMessage, nil
}

func waitForLine(ctx context.Context, r io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(r).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("login aborted: %w", ctx.Err())
	}
}

func closeSession(session Session, logger *zap.Logger) {
	if err := session.Close(); err != nil && logger != nil {
		logger.Warn("close browser session failed", zap.Error(err))
	}
}
