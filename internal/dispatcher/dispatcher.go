// Package dispatcher serialises fetches onto a single browser session.
//
// One worker goroutine owns the session and drains a bounded FIFO channel.
// Submitters block until their own result is ready; a fetch that has started
// always runs to completion even if its submitter goes away.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
	"github.com/JakeFAU/browser-fetch/internal/metrics"
)

// DefaultQueueDepth bounds the number of fetches waiting for the worker.
const DefaultQueueDepth = 64

// ErrStopped is returned by Submit once Close has been called.
var ErrStopped = errors.New("dispatcher stopped")

// Config tunes the worker.
type Config struct {
	// QueueDepth is the channel capacity. Zero means DefaultQueueDepth.
	QueueDepth int
	// Rate caps navigations per second. Zero disables pacing.
	Rate float64
}

// Dispatcher runs fetch requests one at a time against a Session.
type Dispatcher struct {
	session fetch.Session
	logger  *zap.Logger
	limiter *rate.Limiter

	jobs chan *job
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type job struct {
	ctx      context.Context
	req      fetch.Request
	result   chan result
	enqueued time.Time
}

type result struct {
	content string
	err     error
}

// New starts the worker goroutine. Call Close to stop it.
func New(session fetch.Session, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	metrics.Init()

	d := &Dispatcher{
		session: session,
		logger:  logger.Named("dispatcher"),
		jobs:    make(chan *job, depth),
		done:    make(chan struct{}),
	}
	if cfg.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	go d.run()
	return d
}

// Submit queues req and waits for its result. It blocks while the queue is
// full. If ctx ends first the caller gets ctx.Err(); a fetch that already
// started still finishes and its result is dropped.
func (d *Dispatcher) Submit(ctx context.Context, req fetch.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	j := &job{
		ctx:      ctx,
		req:      req,
		result:   make(chan result, 1),
		enqueued: time.Now(),
	}
	if err := d.enqueue(ctx, j); err != nil {
		return "", err
	}

	select {
	case res := <-j.result:
		return res.content, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("wait for fetch: %w", ctx.Err())
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, j *job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrStopped
	}
	select {
	case d.jobs <- j:
		metrics.SetQueueDepth(len(d.jobs))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue fetch: %w", ctx.Err())
	}
}

// Pending reports how many fetches are queued behind the current one.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Close stops admission, lets the worker finish everything already queued
// and waits for it to exit or for ctx to end. Safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
		d.logger.Info("dispatcher closing", zap.Int("pending", len(d.jobs)))
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.jobs {
		metrics.SetQueueDepth(len(d.jobs))
		d.process(j)
	}
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) process(j *job) {
	if err := j.ctx.Err(); err != nil {
		d.logger.Debug("skipping abandoned fetch", zap.String("url", j.req.URL), zap.Error(err))
		metrics.ObserveFetch(j.req.URL, "abandoned", 0)
		j.result <- result{err: fmt.Errorf("fetch abandoned while queued: %w", err)}
		return
	}
	metrics.ObserveQueueWait(time.Since(j.enqueued))

	ctx := context.WithoutCancel(j.ctx)
	if d.limiter != nil {
		waitStart := time.Now()
		if err := d.limiter.Wait(ctx); err != nil {
			j.result <- result{err: fmt.Errorf("rate limit: %w", err)}
			return
		}
		metrics.ObserveRateLimitDelay(time.Since(waitStart))
	}

	start := time.Now()
	content, err := d.runSafely(ctx, j.req)
	elapsed := time.Since(start)
	outcome := outcomeOf(err)
	metrics.ObserveFetch(j.req.URL, outcome, elapsed)

	fields := []zap.Field{
		zap.String("url", j.req.URL),
		zap.String("selector", j.req.Selector),
		zap.Bool("text", j.req.TextOnly),
		zap.Duration("duration", elapsed),
		zap.String("outcome", outcome),
	}
	if err != nil {
		d.logger.Warn("fetch failed", append(fields, zap.Error(err))...)
	} else {
		d.logger.Info("fetch completed", append(fields, zap.Int("bytes", len(content)))...)
	}

	j.result <- result{content: content, err: err}
}

func (d *Dispatcher) runSafely(ctx context.Context, req fetch.Request) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in browser session", zap.Any("panic", r), zap.String("url", req.URL))
			content, err = "", fmt.Errorf("browser session panic: %v", r)
		}
	}()
	return d.session.Run(ctx, req)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fetch.ErrSelectorNotFound):
		return "selector_not_found"
	case fetch.IsValidation(err):
		return "invalid"
	default:
		var navErr *fetch.NavigationError
		if errors.As(err, &navErr) {
			return "navigation_error"
		}
		return "error"
	}
}
