package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Seen-UA", r.UserAgent())
		w.Header().Set("X-Seen-Lang", r.Header.Get("Accept-Language"))
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/limited", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><div class="g-recaptcha"></div></html>`))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte("late"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testIdentity() crawler.Identity {
	return crawler.Identity{
		ID:        "id-001",
		UserAgent: "cleancrawl-test/1.0",
		Headers:   http.Header{"Accept-Language": {"de-DE"}},
	}
}

func TestFetchSuccessUsesIdentity(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, zap.NewNop())

	res, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok", Depth: 2, Identity: testIdentity()})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "<html><body>ok</body></html>", string(res.Body))
	require.Equal(t, "cleancrawl-test/1.0", res.Headers.Get("X-Seen-UA"))
	require.Equal(t, "de-DE", res.Headers.Get("X-Seen-Lang"))
	require.Equal(t, srv.URL+"/ok", res.FinalURL)
	require.Equal(t, 2, res.Task.Depth)
	require.Positive(t, res.Latency)

	// Revisiting the same URL must hit the network again.
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok", Identity: testIdentity()})
	require.NoError(t, err)
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil)

	res, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/redirect", Identity: testIdentity()})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/ok", res.FinalURL)
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil)

	cases := map[string]crawler.FetchErrorKind{
		"/missing": crawler.FetchPermanent,
		"/busy":    crawler.FetchTransient,
		"/limited": crawler.FetchBlocked,
		"/captcha": crawler.FetchBlocked,
	}
	for path, kind := range cases {
		res, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + path, Identity: testIdentity()})
		require.Error(t, err, path)
		require.True(t, crawler.IsKind(err, kind), "%s: %v", path, err)
		require.NotZero(t, res.StatusCode, path)
		require.Equal(t, err, res.Err)
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil)

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:      srv.URL + "/slow",
		Identity: testIdentity(),
		Timeout:  100 * time.Millisecond,
	})
	require.True(t, crawler.IsKind(err, crawler.FetchTransient), "%v", err)
}

func TestFetchParentCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/slow", Identity: testIdentity()})
	require.ErrorIs(t, err, context.Canceled)
	var fe *crawler.FetchError
	require.False(t, errors.As(err, &fe))
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{}, nil).Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/", Identity: testIdentity()})
	require.True(t, crawler.IsKind(err, crawler.FetchTransient), "%v", err)
}

func TestFetchThroughProxy(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		seenURL  string
		seenAuth string
	)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenURL = r.URL.String()
		seenAuth = r.Header.Get("Proxy-Authorization")
		mu.Unlock()
		_, _ = w.Write([]byte("<html>via proxy</html>"))
	}))
	t.Cleanup(proxy.Close)

	identity := testIdentity()
	identity.ID = "id-proxy"
	identity.ProxyURL = proxy.URL
	identity.Username = "user"
	identity.Password = "pass"

	res, err := New(Config{}, nil).Fetch(context.Background(), crawler.FetchRequest{URL: "http://origin.example/page", Identity: identity})
	require.NoError(t, err)
	require.Equal(t, "<html>via proxy</html>", string(res.Body))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "http://origin.example/page", seenURL)
	require.Equal(t, "Basic dXNlcjpwYXNz", seenAuth)
}

func TestProxyURL(t *testing.T) {
	t.Parallel()

	u, err := ProxyURL(crawler.Identity{})
	require.NoError(t, err)
	require.Nil(t, u)

	u, err = ProxyURL(crawler.Identity{ProxyURL: "socks5://10.0.0.1:1080", Username: "a", Password: "b"})
	require.NoError(t, err)
	require.Equal(t, "socks5://a:b@10.0.0.1:1080", u.String())
}
