package headless

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, cap(f.limiter))
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	f.Close()

	_, err = f.allocatorFor("")
	require.Error(t, err)
}

func TestAllocatorPerProxy(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{}, nil)
	require.NoError(t, err)
	defer f.Close()

	a1, err := f.allocatorFor("http://10.0.0.1:8080")
	require.NoError(t, err)
	a2, err := f.allocatorFor("http://10.0.0.1:8080")
	require.NoError(t, err)
	_, err = f.allocatorFor("")
	require.NoError(t, err)

	require.Equal(t, a1, a2)
	require.Len(t, f.allocators, 2)
	require.Greater(t, len(f.allocatorOptions("http://10.0.0.1:8080")), len(f.allocatorOptions("")))
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.acquire(ctx), context.DeadlineExceeded)
	f.release()
	require.NoError(t, f.acquire(context.Background()))
	f.release()
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", got["X-One"])
	require.Equal(t, []string{"a", "b"}, got["X-Many"])
	_, ok := got["X-None"]
	require.False(t, ok)
}

func TestResponseMetaKeepsMainDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/final",
			Headers: network.Headers{"Content-Type": "text/html", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://example.com/start", "")
	require.Equal(t, 404, status)
	require.Equal(t, "https://example.com/final", url)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://example.com/start", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://example.com/start", url)
}

func TestFetchRendersPage(t *testing.T) {
	if _, err := exec.LookPath("google-chrome"); err != nil {
		if _, err := exec.LookPath("chromium"); err != nil {
			t.Skip("chrome not installed")
		}
	}
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div id="app"></div><script>
document.getElementById("app").textContent = "rendered by " + navigator.userAgent;
</script></body></html>`))
	}))
	defer srv.Close()

	f, err := NewChromedp(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	defer f.Close()

	res, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:      srv.URL,
		Identity: crawler.Identity{ID: "id-001", UserAgent: "cleancrawl-headless/1.0"},
		Timeout:  30 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.UsedHeadless)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "rendered by cleancrawl-headless/1.0")
}
