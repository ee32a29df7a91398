package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

// Session is one Chrome tab kept alive between fetches.
type Session struct {
	opts   fetch.OpenOptions
	logger *zap.Logger
	idle   *idleTracker

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	currentURL string
	closeOnce  sync.Once
	closeErr   error
}

var _ fetch.Session = (*Session)(nil)

// Run navigates the tab to req.URL, waits for the network to settle plus
// req.Wait, and extracts the requested content.
func (s *Session) Run(ctx context.Context, req fetch.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.browserCtx == nil {
		return "", fetch.ErrSessionClosed
	}

	if err := s.navigate(ctx, req.URL, s.opts.NavTimeout, settleNetworkIdle); err != nil {
		return "", err
	}

	taskCtx, cancel := context.WithTimeout(s.browserCtx, req.Wait+s.opts.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	script, err := extractScript(req)
	if err != nil {
		return "", err
	}
	var res extraction
	actions := []chromedp.Action{}
	if req.Wait > 0 {
		actions = append(actions, chromedp.Sleep(req.Wait))
	}
	actions = append(actions, chromedp.Evaluate(script, &res))
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("extract content: %w", err)
	}
	s.currentURL = res.URL
	return res.content(req)
}

// URL reports the location of the tab after the last completed fetch.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// settle is what a navigation waits for once the load event has fired.
type settle int

const (
	// settleLoad stops at the load event. Used for the start page, which may
	// keep long-poll or beacon requests open while the user logs in.
	settleLoad settle = iota
	// settleNetworkIdle also waits for IdleQuiet without in-flight requests.
	settleNetworkIdle
)

// navigate loads url and waits for until, both bounded by timeout.
func (s *Session) navigate(ctx context.Context, url string, timeout time.Duration, until settle) error {
	navCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	s.idle.reset()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url), chromedp.Location(&s.currentURL)); err != nil {
		return &fetch.NavigationError{URL: url, Err: err}
	}
	return s.awaitSettled(navCtx, url, until)
}

func (s *Session) awaitSettled(ctx context.Context, url string, until settle) error {
	if until != settleNetworkIdle {
		return nil
	}
	if err := s.idle.wait(ctx, s.opts.IdleQuiet); err != nil {
		return &fetch.NavigationError{URL: url, Err: fmt.Errorf("wait for network idle: %w", err)}
	}
	return nil
}

// Close shuts Chrome down. Later calls are no-ops.
func (s *Session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.browserCtx != nil {
			if err := chromedp.Cancel(s.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = fmt.Errorf("close chrome: %w", err)
			}
		}
		if s.browserCancel != nil {
			s.browserCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
		if s.logger != nil {
			s.logger.Info("browser closed")
		}
	})
	if !first {
		return nil
	}
	return s.closeErr
}

type extraction struct {
	Found   bool   `json:"found"`
	Invalid string `json:"invalid"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func (e extraction) content(req fetch.Request) (string, error) {
	if e.Invalid != "" {
		return "", &fetch.ValidationError{Field: "selector", Reason: fmt.Sprintf("invalid selector '%s': %s", req.Selector, e.Invalid)}
	}
	if !e.Found {
		return "", fetch.SelectorError(req.Selector)
	}
	return e.Content, nil
}

const extractTemplate = `(() => {
  const selector = %s;
  const textOnly = %t;
  const url = location.href;
  if (selector !== null) {
    let el;
    try {
      el = document.querySelector(selector);
    } catch (e) {
      return {found: false, invalid: String(e && e.message || e), content: "", url};
    }
    if (!el) return {found: false, invalid: "", content: "", url};
    return {found: true, invalid: "", content: textOnly ? el.innerText : el.innerHTML, url};
  }
  if (textOnly) {
    return {found: true, invalid: "", content: document.body ? document.body.innerText : "", url};
  }
  let html = document.documentElement ? document.documentElement.outerHTML : "";
  if (document.doctype) html = new XMLSerializer().serializeToString(document.doctype) + html;
  return {found: true, invalid: "", content: html, url};
})()`

// extractScript builds the single expression that locates and reads the
// content, so lookup and read happen in one round trip.
func extractScript(req fetch.Request) (string, error) {
	selector := "null"
	if req.Selector != "" {
		encoded, err := json.Marshal(req.Selector)
		if err != nil {
			return "", fmt.Errorf("encode selector: %w", err)
		}
		selector = string(encoded)
	}
	return fmt.Sprintf(extractTemplate, selector, req.TextOnly), nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
