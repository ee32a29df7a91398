// Package chrome implements fetch.Session on top of chromedp and a single
// Chrome tab.
package chrome

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

// Launcher opens Chrome sessions.
type Launcher struct {
	logger *zap.Logger
}

// NewLauncher creates a Launcher that logs through logger.
func NewLauncher(logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{logger: logger.Named("chrome")}
}

// Open launches Chrome, attaches to its first tab and loads opts.StartURL.
func (l *Launcher) Open(ctx context.Context, opts fetch.OpenOptions) (fetch.Session, error) {
	opts = opts.WithDefaults()
	if opts.ProfileDir != "" {
		if err := os.MkdirAll(opts.ProfileDir, 0o700); err != nil {
			return nil, &fetch.LaunchError{Err: fmt.Errorf("create profile dir: %w", err)}
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	sugar := l.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(sugar.Debugf),
		chromedp.WithLogf(sugar.Debugf),
	)

	s := &Session{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		idle:          newIdleTracker(),
		logger:        l.logger,
	}
	chromedp.ListenTarget(browserCtx, s.idle.observe)

	if err := s.launch(ctx, opts.StartTimeout); err != nil {
		_ = s.Close()
		return nil, &fetch.LaunchError{Err: err}
	}
	l.logger.Info("browser launched",
		zap.String("profile_dir", opts.ProfileDir),
		zap.Bool("headless", opts.Headless),
	)

	if opts.StartURL != "" {
		if err := s.navigate(ctx, opts.StartURL, opts.StartTimeout, settleLoad); err != nil {
			_ = s.Close()
			return nil, err
		}
		l.logger.Info("start page loaded", zap.String("url", opts.StartURL))
	}
	return s, nil
}

// launch starts the browser process and enables the network domain. The first
// Run on a fresh chromedp context cannot take a deadline of its own, so it is
// raced against ctx and the start timeout.
func (s *Session) launch(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(s.browserCtx, network.Enable())
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start chrome: %w", err)
		}
		return nil
	case <-timer.C:
		s.browserCancel()
		return fmt.Errorf("chrome did not start within %s", timeout)
	case <-ctx.Done():
		s.browserCancel()
		return fmt.Errorf("chrome start canceled: %w", ctx.Err())
	}
}

func allocatorOptions(opts fetch.OpenOptions) []chromedp.ExecAllocatorOption {
	options := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range chromeFlags(opts) {
		options = append(options, chromedp.Flag(name, value))
	}
	if opts.ProfileDir != "" {
		options = append(options, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.ExecPath != "" {
		options = append(options, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		options = append(options, chromedp.UserAgent(opts.UserAgent))
	}
	return options
}

// chromeFlags returns the command-line switches layered over chromedp's defaults.
func chromeFlags(opts fetch.OpenOptions) map[string]any {
	flags := map[string]any{
		"disable-blink-features":   "AutomationControlled",
		"enable-automation":        false,
		"disable-gpu":              true,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	if opts.Headless {
		flags["headless"] = "new"
	} else {
		flags["headless"] = false
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
	}
	return flags
}
