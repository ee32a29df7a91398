package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/config"
	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

// These tests swap package-level factories and therefore do not run in parallel.

func TestFetchPrintsContent(t *testing.T) {
	fake := installFakeBrowser(t)

	stdout, stderr, code := runCLI(t, "", "fetch", "https://example.com", "--text", "--selector", "h1", "--wait", "2",
		"--headless", "--profile-dir", filepath.Join(t.TempDir(), "profile"), "--timeout", "12")

	require.Equal(t, 0, code, stderr)
	require.Equal(t, "Example Domain\n", stdout)
	req := fake.lastRequest()
	require.Equal(t, fetch.Request{URL: "https://example.com", TextOnly: true, Selector: "h1", Wait: 2 * time.Second}, req)
	opts := fake.lastOptions()
	require.True(t, opts.Headless)
	require.Equal(t, 12*time.Second, opts.NavTimeout)
	require.Empty(t, opts.StartURL)
	require.True(t, strings.HasSuffix(opts.ProfileDir, "profile"))
	require.Equal(t, 1, fake.closes())
}

func TestFetchUsesDefaultWait(t *testing.T) {
	fake := installFakeBrowser(t)

	_, stderr, code := runCLI(t, "", "fetch", "https://example.com")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, 5*time.Second, fake.lastRequest().Wait)
}

func TestFetchWritesOutputFile(t *testing.T) {
	installFakeBrowser(t)
	path := filepath.Join(t.TempDir(), "out", "page.html")

	stdout, stderr, code := runCLI(t, "", "fetch", "https://example.com", "-o", path)
	require.Equal(t, 0, code, stderr)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "Saved to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "<h1>Example Domain</h1>")
}

func TestFetchReportsErrors(t *testing.T) {
	installFakeBrowser(t)

	_, stderr, code := runCLI(t, "", "fetch", "https://example.com", "--selector", "#missing")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: Selector '#missing' not found")
}

func TestFetchRejectsWaitAboveCap(t *testing.T) {
	fake := installFakeBrowser(t)

	_, stderr, code := runCLI(t, "", "fetch", "https://example.com", "--wait", "1000000")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: wait must be at most 600 seconds")
	require.Zero(t, fake.opens())
}

func TestFetchLaunchFailure(t *testing.T) {
	fake := installFakeBrowser(t)
	fake.openErr = &fetch.LaunchError{Err: errors.New("chrome not found")}

	_, stderr, code := runCLI(t, "", "fetch", "https://example.com")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: launch browser: chrome not found")
}

func TestFetchLogin(t *testing.T) {
	fake := installFakeBrowser(t)

	stdout, stderr, code := runCLI(t, "\n", "fetch", "https://accounts.example/login", "--login", "--headless")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, fetch.LoginSavedMessage+"\n", stdout)
	require.Contains(t, stderr, "Opening https://accounts.example/login for login...")
	opts := fake.lastOptions()
	require.False(t, opts.Headless)
	require.Equal(t, "https://accounts.example/login", opts.StartURL)
}

func TestRequiresURLArgument(t *testing.T) {
	installFakeBrowser(t)

	_, stderr, code := runCLI(t, "", "fetch")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: accepts 1 arg(s), received 0")
}

func TestInvalidConfigIsReported(t *testing.T) {
	installFakeBrowser(t)

	_, stderr, code := runCLI(t, "", "serve", "https://example.com", "--driver", "netscape")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: browser.driver must be")
}

func TestServeUntilShutdown(t *testing.T) {
	fake := installFakeBrowser(t)
	port := freePort(t)

	stderr := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		var stdout bytes.Buffer
		done <- run(context.Background(),
			[]string{"serve", "https://login.example", "--port", fmt.Sprint(port), "--require-token", "--ephemeral"},
			strings.NewReader(""), &stdout, stderr)
	}()

	var token string
	require.Eventually(t, func() bool {
		for _, line := range strings.Split(stderr.String(), "\n") {
			if after, ok := strings.CutPrefix(line, "Token: "); ok {
				token = strings.TrimSpace(after)
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, token)

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	code, _ := get(t, base+"/fetch?url=https://example.com")
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, base+"/fetch?wait=0&text=true&selector=h1&url=https://example.com&token="+token)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Example Domain", body)

	code, _ = get(t, base+"/shutdown?token="+token)
	require.Equal(t, http.StatusOK, code)

	select {
	case exit := <-done:
		require.Equal(t, 0, exit, stderr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit after /shutdown")
	}
	require.Equal(t, 1, fake.closes())
	require.Empty(t, fake.lastOptions().ProfileDir)
	require.Equal(t, "https://login.example", fake.lastOptions().StartURL)
	require.Contains(t, stderr.String(), "Goodbye.")
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func get(t *testing.T, target string) (int, string) {
	t.Helper()
	resp, err := http.Get(target) //nolint:gosec,noctx // local test server
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test helper
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func installFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fake := &fakeBrowser{}
	prevOpener, prevLogger := newOpener, newLogger
	newOpener = func(config.BrowserConfig, *zap.Logger) (fetch.Opener, error) { return fake, nil }
	newLogger = func(config.LoggingConfig) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() { newOpener, newLogger = prevOpener, prevLogger })
	return fake
}

type fakeBrowser struct {
	openErr error

	mu      sync.Mutex
	opts    []fetch.OpenOptions
	reqs    []fetch.Request
	closeCt int
}

func (f *fakeBrowser) Open(_ context.Context, opts fetch.OpenOptions) (fetch.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeSession{browser: f}, nil
}

func (f *fakeBrowser) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opts)
}

func (f *fakeBrowser) lastOptions() fetch.OpenOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

func (f *fakeBrowser) lastRequest() fetch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeBrowser) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCt
}

type fakeSession struct {
	browser *fakeBrowser
}

func (s *fakeSession) Run(_ context.Context, req fetch.Request) (string, error) {
	s.browser.mu.Lock()
	s.browser.reqs = append(s.browser.reqs, req)
	s.browser.mu.Unlock()

	switch {
	case req.Selector == "h1" && req.TextOnly:
		return "Example Domain", nil
	case req.Selector != "":
		return "", fetch.SelectorError(req.Selector)
	default:
		return "<html><body><h1>Example Domain</h1></body></html>", nil
	}
}

func (s *fakeSession) Close() error {
	s.browser.mu.Lock()
	defer s.browser.mu.Unlock()
	s.browser.closeCt++
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNotifyContextReleasesAfterFirstSignal(t *testing.T) {
	// Keeps the default action from killing the test binary.
	observed := make(chan os.Signal, 4)
	signal.Notify(observed, syscall.SIGUSR2)
	defer signal.Stop(observed)

	ctx, stop := notifyContext(context.Background(), syscall.SIGUSR2)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled by signal")
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	for range 2 {
		select {
		case <-observed:
		case <-time.After(5 * time.Second):
			t.Fatal("signal not delivered to observer")
		}
	}
}
