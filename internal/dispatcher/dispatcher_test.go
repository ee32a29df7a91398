package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitReturnsOwnResult(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	d := New(session, Config{QueueDepth: 4}, zaptest.NewLogger(t))
	defer closeDispatcher(t, d)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://example.com/%d", i)
			got, err := d.Submit(context.Background(), fetch.Request{URL: url})
			if err != nil {
				errs <- err
				return
			}
			if got != "content:"+url {
				errs <- fmt.Errorf("request %s got %q", url, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, session.visited(), n)
	require.Equal(t, 1, session.maxActive())
}

func TestSubmitIsFIFO(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	gate := session.gateOn("https://example.com/first")
	d := New(session, Config{}, zaptest.NewLogger(t))
	defer closeDispatcher(t, d)

	results := make(chan error, 4)
	submit := func(url string) {
		_, err := d.Submit(context.Background(), fetch.Request{URL: url})
		results <- err
	}

	go submit("https://example.com/first")
	waitStarted(t, session, "https://example.com/first")

	for i, url := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		go submit(url)
		require.Eventually(t, func() bool { return d.Pending() == i+1 }, time.Second, time.Millisecond)
	}
	close(gate)

	for range 4 {
		require.NoError(t, <-results)
	}
	require.Equal(t, []string{
		"https://example.com/first",
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}, session.visited())
}

func TestFailureDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.failWith("https://example.com/bad", &fetch.NavigationError{URL: "https://example.com/bad", Err: context.DeadlineExceeded})
	session.panicOn("https://example.com/panic")
	d := New(session, Config{}, zaptest.NewLogger(t))
	defer closeDispatcher(t, d)

	_, err := d.Submit(context.Background(), fetch.Request{URL: "https://example.com/bad"})
	var navErr *fetch.NavigationError
	require.ErrorAs(t, err, &navErr)

	_, err = d.Submit(context.Background(), fetch.Request{URL: "https://example.com/panic"})
	require.ErrorContains(t, err, "browser session panic")

	got, err := d.Submit(context.Background(), fetch.Request{URL: "https://example.com/good"})
	require.NoError(t, err)
	require.Equal(t, "content:https://example.com/good", got)
}

func TestSubmitValidatesBeforeQueueing(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	d := New(session, Config{}, zaptest.NewLogger(t))
	defer closeDispatcher(t, d)

	_, err := d.Submit(context.Background(), fetch.Request{})
	require.True(t, fetch.IsValidation(err))
	require.Empty(t, session.visited())
}

func TestSubmitAfterCloseReturnsErrStopped(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	d := New(session, Config{}, zaptest.NewLogger(t))
	closeDispatcher(t, d)
	closeDispatcher(t, d)

	_, err := d.Submit(context.Background(), fetch.Request{URL: "https://example.com"})
	require.ErrorIs(t, err, ErrStopped)
	require.Empty(t, session.visited())
}

func TestCloseDrainsQueuedWork(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	gate := session.gateOn("https://example.com/slow")
	d := New(session, Config{}, zaptest.NewLogger(t))

	results := make(chan error, 3)
	submit := func(url string) {
		_, err := d.Submit(context.Background(), fetch.Request{URL: url})
		results <- err
	}
	go submit("https://example.com/slow")
	waitStarted(t, session, "https://example.com/slow")
	go submit("https://example.com/queued-1")
	go submit("https://example.com/queued-2")
	require.Eventually(t, func() bool { return d.Pending() == 2 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before in-flight work finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-closed)
	for range 3 {
		require.NoError(t, <-results)
	}
	require.Len(t, session.visited(), 3)
}

func TestCloseHonoursContext(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	gate := session.gateOn("https://example.com/stuck")
	d := New(session, Config{}, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Submit(context.Background(), fetch.Request{URL: "https://example.com/stuck"})
	}()
	waitStarted(t, session, "https://example.com/stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	close(gate)
	<-done
	closeDispatcher(t, d)
}

func TestAbandonedQueuedFetchIsSkipped(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	gate := session.gateOn("https://example.com/first")
	d := New(session, Config{}, zaptest.NewLogger(t))
	defer closeDispatcher(t, d)

	first := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), fetch.Request{URL: "https://example.com/first"})
		first <- err
	}()
	waitStarted(t, session, "https://example.com/first")

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, fetch.Request{URL: "https://example.com/abandoned"})
		abandoned <- err
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-abandoned, context.Canceled)

	close(gate)
	require.NoError(t, <-first)

	_, err := d.Submit(context.Background(), fetch.Request{URL: "https://example.com/after"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/first", "https://example.com/after"}, session.visited())
}

func TestInFlightFetchIsNotCanceled(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	gate := session.gateOn("https://example.com/long")
	d := New(session, Config{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	submitted := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, fetch.Request{URL: "https://example.com/long"})
		submitted <- err
	}()
	waitStarted(t, session, "https://example.com/long")

	cancel()
	require.ErrorIs(t, <-submitted, context.Canceled)

	close(gate)
	closeDispatcher(t, d)
	require.NoError(t, session.ctxErr("https://example.com/long"))
}

func TestRateLimitPacesNavigations(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	d := New(session, Config{Rate: 20}, zaptest.NewLogger(t))
	defer closeDispatcher(t, d)

	start := time.Now()
	for i := range 3 {
		_, err := d.Submit(context.Background(), fetch.Request{URL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"selector", fetch.SelectorError("#x"), "selector_not_found"},
		{"validation", &fetch.ValidationError{Field: "url", Reason: "bad"}, "invalid"},
		{"navigation", fmt.Errorf("wrap: %w", &fetch.NavigationError{URL: "u", Err: errors.New("x")}), "navigation_error"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, outcomeOf(tc.err))
		})
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func waitStarted(t *testing.T, s *fakeSession, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, v := range s.visited() {
			if v == url {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

type fakeSession struct {
	mu      sync.Mutex
	urls    []string
	gates   map[string]chan struct{}
	fails   map[string]error
	panics  map[string]bool
	ctxErrs map[string]error
	active  int
	peak    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		gates:   map[string]chan struct{}{},
		fails:   map[string]error{},
		panics:  map[string]bool{},
		ctxErrs: map[string]error{},
	}
}

func (s *fakeSession) gateOn(url string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[url] = gate
	return gate
}

func (s *fakeSession) failWith(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[url] = err
}

func (s *fakeSession) panicOn(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics[url] = true
}

func (s *fakeSession) Run(ctx context.Context, req fetch.Request) (string, error) {
	s.mu.Lock()
	s.urls = append(s.urls, req.URL)
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	gate := s.gates[req.URL]
	failure := s.fails[req.URL]
	shouldPanic := s.panics[req.URL]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.ctxErrs[req.URL] = ctx.Err()
		s.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if shouldPanic {
		panic("page crashed")
	}
	if failure != nil {
		return "", failure
	}
	return "content:" + req.URL, nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func (s *fakeSession) maxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *fakeSession) ctxErr(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxErrs[url]
}
