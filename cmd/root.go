// Package cmd defines the browser-fetch command line: a one-shot fetch
// command and a long-running server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/browser"
	"github.com/JakeFAU/browser-fetch/internal/config"
	"github.com/JakeFAU/browser-fetch/internal/fetch"
	"github.com/JakeFAU/browser-fetch/internal/logging"
)

// newOpener is the browser factory. Tests replace it with a fake.
var newOpener = browser.NewOpener

// newLogger builds the process logger. Tests replace it to keep output quiet.
var newLogger = logging.New

// app holds what every subcommand needs once flags and config are resolved.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	opener fetch.Opener
}

type appKey struct{}

func appFrom(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey{}).(*app)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// newRootCmd creates the root command. initialized receives the app once
// PersistentPreRunE has built it so the caller can flush the logger.
func newRootCmd(initialized func(*app)) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "browser-fetch",
		Short: "Fetch authenticated web content through a real browser session",
		Long: `browser-fetch drives a real Chromium profile so login cookies, JavaScript
rendering and bot checks behave as they do for a person. Use "fetch" for a
single page or "serve" to keep the browser open behind a local HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			opener, err := newOpener(cfg.Browser, logger)
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, logger: logger, opener: opener}
			if initialized != nil {
				initialized(a)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	pf.String("driver", config.DriverChromedp, "browser driver: chromedp or playwright")
	pf.Bool("dev", false, "human-readable development logging")
	pf.String("log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(newFetchCmd(), newServeCmd())
	return cmd
}

// Execute runs the CLI and exits with its status code.
func Execute() {
	ctx, stop := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// notifyContext is signal.NotifyContext that unregisters as soon as the first
// signal arrives, so a second Ctrl-C during shutdown kills the process.
func notifyContext(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, signals...)
	context.AfterFunc(ctx, stop)
	return ctx, stop
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var a *app
	root := newRootCmd(func(initialized *app) { a = initialized })
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a != nil {
		_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
