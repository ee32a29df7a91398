// Package playwright implements fetch.Session with playwright-go. It is the
// alternative to the chromedp driver for hosts where the Playwright bundled
// Chromium is preferred over a system Chrome.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

var launchArgs = []string{"--disable-blink-features=AutomationControlled"}

// Launcher starts the Playwright driver and a Chromium context.
type Launcher struct {
	logger  *zap.Logger
	install bool
}

// NewLauncher creates a Launcher. When install is set the Playwright driver
// and browsers are downloaded before the first launch.
func NewLauncher(logger *zap.Logger, install bool) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{logger: logger.Named("playwright"), install: install}
}

// Open launches Chromium (persistent when opts.ProfileDir is set) and loads
// opts.StartURL in its first page.
func (l *Launcher) Open(ctx context.Context, opts fetch.OpenOptions) (fetch.Session, error) {
	opts = opts.WithDefaults()
	if err := ctx.Err(); err != nil {
		return nil, &fetch.LaunchError{Err: err}
	}

	runOpts := &pw.RunOptions{Verbose: false, Stdout: io.Discard, Stderr: io.Discard}
	if l.install {
		if err := pw.Install(runOpts); err != nil {
			return nil, &fetch.LaunchError{Err: fmt.Errorf("install playwright: %w", err)}
		}
	}
	runtime, err := pw.Run(runOpts)
	if err != nil {
		return nil, &fetch.LaunchError{Err: fmt.Errorf("start playwright: %w", err)}
	}

	s := &Session{runtime: runtime, opts: opts, logger: l.logger}
	if err := s.launch(); err != nil {
		_ = s.Close()
		return nil, &fetch.LaunchError{Err: err}
	}
	l.logger.Info("browser launched",
		zap.String("profile_dir", opts.ProfileDir),
		zap.Bool("headless", opts.Headless),
	)

	if opts.StartURL != "" {
		if _, err := s.page.Goto(opts.StartURL, pw.PageGotoOptions{Timeout: millis(opts.StartTimeout)}); err != nil {
			_ = s.Close()
			return nil, &fetch.NavigationError{URL: opts.StartURL, Err: err}
		}
		l.logger.Info("start page loaded", zap.String("url", opts.StartURL))
	}
	return s, nil
}

// Session is one Playwright page kept alive between fetches.
type Session struct {
	opts    fetch.OpenOptions
	logger  *zap.Logger
	runtime *pw.Playwright
	browser pw.Browser
	context pw.BrowserContext
	page    pw.Page

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var _ fetch.Session = (*Session)(nil)

func (s *Session) launch() error {
	if s.opts.ProfileDir != "" {
		if err := os.MkdirAll(s.opts.ProfileDir, 0o700); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
		bctx, err := s.runtime.Chromium.LaunchPersistentContext(s.opts.ProfileDir, pw.BrowserTypeLaunchPersistentContextOptions{
			Headless:       pw.Bool(s.opts.Headless),
			Args:           launchArgs,
			ExecutablePath: optional(s.opts.ExecPath),
			UserAgent:      optional(s.opts.UserAgent),
		})
		if err != nil {
			return fmt.Errorf("launch persistent context: %w", err)
		}
		s.context = bctx
		if pages := bctx.Pages(); len(pages) > 0 {
			s.page = pages[0]
			return nil
		}
	} else {
		browser, err := s.runtime.Chromium.Launch(pw.BrowserTypeLaunchOptions{
			Headless:       pw.Bool(s.opts.Headless),
			Args:           launchArgs,
			ExecutablePath: optional(s.opts.ExecPath),
		})
		if err != nil {
			return fmt.Errorf("launch chromium: %w", err)
		}
		s.browser = browser
		bctx, err := browser.NewContext(pw.BrowserNewContextOptions{UserAgent: optional(s.opts.UserAgent)})
		if err != nil {
			return fmt.Errorf("new context: %w", err)
		}
		s.context = bctx
	}
	page, err := s.context.NewPage()
	if err != nil {
		return fmt.Errorf("new page: %w", err)
	}
	s.page = page
	return nil
}

// Run navigates the page, waits for network idle plus req.Wait and extracts
// the requested content.
func (s *Session) Run(ctx context.Context, req fetch.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.page == nil {
		return "", fetch.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("fetch canceled: %w", err)
	}

	if _, err := s.page.Goto(req.URL, pw.PageGotoOptions{
		Timeout:   millis(s.opts.NavTimeout),
		WaitUntil: pw.WaitUntilStateNetworkidle,
	}); err != nil {
		return "", &fetch.NavigationError{URL: req.URL, Err: err}
	}
	if req.Wait > 0 {
		s.page.WaitForTimeout(*millis(req.Wait))
	}

	if req.Selector != "" {
		return s.extractElement(req)
	}
	var (
		content string
		err     error
	)
	if req.TextOnly {
		content, err = s.page.InnerText("body")
	} else {
		content, err = s.page.Content()
	}
	if err != nil {
		return "", fmt.Errorf("extract content: %w", err)
	}
	return content, nil
}

func (s *Session) extractElement(req fetch.Request) (string, error) {
	element, err := s.page.QuerySelector(req.Selector)
	if err != nil {
		return "", fmt.Errorf("query selector: %w", err)
	}
	if element == nil {
		return "", fetch.SelectorError(req.Selector)
	}
	var content string
	if req.TextOnly {
		content, err = element.InnerText()
	} else {
		content, err = element.InnerHTML()
	}
	if err != nil {
		return "", fmt.Errorf("extract element: %w", err)
	}
	return content, nil
}

// Close releases the page, context, browser and driver. Later calls are no-ops.
func (s *Session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		var errs []error
		if s.context != nil {
			if err := s.context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close context: %w", err))
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if s.runtime != nil {
			if err := s.runtime.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playwright: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.logger != nil {
			s.logger.Info("browser closed")
		}
	})
	if !first {
		return nil
	}
	return s.closeErr
}

func millis(d time.Duration) *float64 {
	return pw.Float(float64(d.Milliseconds()))
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return pw.String(v)
}
