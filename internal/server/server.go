// Package server runs the long-lived fetch server: it owns the browser
// session, the request serializer and the HTTP listener, and tears them down
// in order when asked to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/api"
	"github.com/JakeFAU/browser-fetch/internal/dispatcher"
	"github.com/JakeFAU/browser-fetch/internal/fetch"
	"github.com/JakeFAU/browser-fetch/internal/metrics"
)

// DefaultShutdownTimeout bounds the HTTP drain and the queue drain.
const DefaultShutdownTimeout = 10 * time.Second

// State is a phase of the controller lifecycle.
type State int32

// Lifecycle phases, in order.
const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a Controller.
type Config struct {
	// Addr is the host:port to listen on. Port 0 picks a free port.
	Addr string
	// Session is passed to the Opener. StartURL is loaded before serving.
	Session         fetch.OpenOptions
	Token           string
	QueueDepth      int
	FetchRate       float64
	DefaultWait     time.Duration
	ShutdownTimeout time.Duration
	MetricsEnabled  bool
	// Banner receives the human-readable startup notice. Nil disables it.
	Banner io.Writer
	// Signals that trigger a graceful stop. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

// Controller drives Starting -> Running -> Stopping -> Stopped.
type Controller struct {
	cfg    Config
	opener fetch.Opener
	logger *zap.Logger

	state atomic.Int32
	ready chan struct{}

	mu   sync.Mutex
	addr net.Addr

	session   fetch.Session
	closeOnce sync.Once
	closeErr  error
}

// New creates a Controller. Run starts it.
func New(opener fetch.Opener, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	metrics.Init()
	return &Controller{
		cfg:    cfg,
		opener: opener,
		logger: logger.Named("server"),
		ready:  make(chan struct{}),
	}
}

// State reports the current lifecycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Ready is closed once the controller is serving requests.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Addr returns the bound listener address, or nil before Running.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug("state changed", zap.Stringer("state", s))
}

// Run opens the browser session, binds the listener and serves until a
// /shutdown request, a signal, ctx cancellation or a listener failure. It
// returns nil for requested stops and an error for startup or serve
// failures. Run must be called at most once.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateStarting)
	if c.cfg.Banner != nil && c.cfg.Session.StartURL != "" {
		fmt.Fprintf(c.cfg.Banner, "Opening browser to %s...\n", c.cfg.Session.StartURL)
	}

	session, err := c.opener.Open(ctx, c.cfg.Session)
	if err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("open browser session: %w", err)
	}
	c.session = session
	metrics.SetSessionUp(true)

	sigCtx, stopSignals := signal.NotifyContext(ctx, c.cfg.Signals...)
	defer stopSignals()

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		c.setState(StateStopping)
		closeErr := c.closeSessionOnce()
		c.setState(StateStopped)
		return errors.Join(fmt.Errorf("listen on %s: %w", c.cfg.Addr, err), closeErr)
	}
	c.mu.Lock()
	c.addr = ln.Addr()
	c.mu.Unlock()

	dispatch := dispatcher.New(session, dispatcher.Config{
		QueueDepth: c.cfg.QueueDepth,
		Rate:       c.cfg.FetchRate,
	}, c.logger)
	apiServer := api.NewServer(dispatch, api.Options{
		Token:          c.cfg.Token,
		DefaultWait:    c.cfg.DefaultWait,
		MetricsEnabled: c.cfg.MetricsEnabled,
	}, c.logger)
	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	c.setState(StateRunning)
	close(c.ready)
	c.logger.Info("http server started", zap.Stringer("addr", ln.Addr()))
	if c.cfg.Banner != nil {
		writeBanner(c.cfg.Banner, ln.Addr().String(), c.cfg.Token)
	}

	var runErr error
	select {
	case <-apiServer.ShutdownRequested():
		c.logger.Info("shutdown requested over HTTP")
	case <-sigCtx.Done():
		c.logger.Info("shutdown initiated", zap.NamedError("cause", context.Cause(sigCtx)))
	case err := <-serveErr:
		c.logger.Error("http server error", zap.Error(err))
		runErr = fmt.Errorf("serve http: %w", err)
	}
	stopSignals()

	c.setState(StateStopping)
	if c.cfg.Banner != nil {
		fmt.Fprintln(c.cfg.Banner, "\nShutting down...")
	}
	stopErr := c.stop(srv, dispatch)
	c.setState(StateStopped)
	if c.cfg.Banner != nil {
		fmt.Fprintln(c.cfg.Banner, "Goodbye.")
	}
	return errors.Join(runErr, stopErr)
}

// stop drains HTTP, then the queue, then closes the session.
func (c *Controller) stop(srv *http.Server, dispatch *dispatcher.Dispatcher) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("server shutdown error", zap.Error(err))
		if closeErr := srv.Close(); closeErr != nil {
			c.logger.Warn("server close error", zap.Error(closeErr))
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancelDrain()
	if err := dispatch.Close(drainCtx); err != nil {
		c.logger.Warn("queue drain incomplete", zap.Error(err))
	}

	if err := c.closeSessionOnce(); err != nil {
		return fmt.Errorf("close browser session: %w", err)
	}
	c.logger.Info("shutdown complete")
	return nil
}

func (c *Controller) closeSessionOnce() error {
	c.closeOnce.Do(func() {
		if c.session == nil {
			return
		}
		c.closeErr = c.session.Close()
		metrics.SetSessionUp(false)
	})
	return c.closeErr
}

func writeBanner(w io.Writer, addr, token string) {
	base := "http://" + addr
	fmt.Fprintf(w, "Starting browser-fetch server on %s\n", base)
	fmt.Fprintln(w, "\nLog in if needed. Browser will stay open for fetches.")
	if token != "" {
		fmt.Fprintln(w, "\n*** Security token required ***")
		fmt.Fprintf(w, "Token: %s\n", token)
		fmt.Fprintln(w, "\nUsage:")
		fmt.Fprintf(w, "  curl '%s/fetch?token=%s&url=https://example.com&text=true'\n", base, token)
		fmt.Fprintf(w, "  curl '%s/shutdown?token=%s' to stop\n", base, token)
		return
	}
	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintf(w, "  curl '%s/fetch?url=https://example.com&text=true'\n", base)
	fmt.Fprintf(w, "  curl '%s/shutdown' to stop\n", base)
}
