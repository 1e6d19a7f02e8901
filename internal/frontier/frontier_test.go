package frontier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

type fixedBackoff time.Duration

func (b fixedBackoff) Backoff(int) time.Duration { return time.Duration(b) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFrontier(cfg Config) *Frontier {
	if cfg.Backoff == nil {
		cfg.Backoff = fixedBackoff(0)
	}
	return New(cfg, nil)
}

func dequeue(t *testing.T, f *Frontier) crawler.URLTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := f.Dequeue(ctx)
	require.NoError(t, err)
	return task
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{MaxRetries: 3})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/p1"}))
	require.False(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/p1"}))
	require.False(t, f.Enqueue(crawler.URLTask{URL: "HTTPS://A.test:443/p1#frag"}))
	require.False(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/p1?utm=x"}))
	require.False(t, f.Enqueue(crawler.URLTask{URL: "::not a url"}))

	stats := f.Stats()
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Total)
}

func TestEnqueueRejectsSeenTerminalURL(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	task := dequeue(t, f)
	_, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveSucceeded})
	require.NoError(t, err)

	require.False(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
}

func TestDequeueOrdering(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/deep", Depth: 2, Priority: 1}))
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/first", Depth: 1, Priority: 1}))
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/second", Depth: 1, Priority: 1}))
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/urgent", Depth: 5, Priority: 10}))

	var got []string
	for i := 0; i < 4; i++ {
		task := dequeue(t, f)
		require.Equal(t, crawler.TaskInFlight, task.State)
		got = append(got, task.URL)
	}
	require.Equal(t, []string{
		"https://a.test/urgent",
		"https://a.test/first",
		"https://a.test/second",
		"https://a.test/deep",
	}, got)
}

func TestDequeueDrainedAndClosed(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	_, err := f.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrDrained)

	f.Close()
	_, err = f.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	f.Close()
}

func TestDequeueParksUntilInflightResolves(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	first := dequeue(t, f)

	got := make(chan error, 1)
	go func() {
		_, err := f.Dequeue(context.Background())
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("dequeue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err := f.MarkResult(first, crawler.TaskOutcome{Resolution: crawler.ResolveSucceeded})
	require.NoError(t, err)

	select {
	case err := <-got:
		require.ErrorIs(t, err, ErrDrained)
	case <-time.After(time.Second):
		t.Fatal("parked dequeue never woke")
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	dequeue(t, f)

	got := make(chan crawler.URLTask, 1)
	go func() {
		task, err := f.Dequeue(context.Background())
		if err == nil {
			got <- task
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/next"}))

	select {
	case task := <-got:
		require.Equal(t, "https://a.test/next", task.URL)
	case <-time.After(time.Second):
		t.Fatal("parked dequeue never woke")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	dequeue(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentDequeueSingleOwner(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	const n = 200
	for i := 0; i < n; i++ {
		require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/p?i=" + string(rune('a'+i%26)) + string(rune('a'+i/26))}))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := f.Dequeue(context.Background())
				if errors.Is(err, ErrDrained) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				mu.Lock()
				seen[task.URL]++
				mu.Unlock()
				if _, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveSucceeded}); err != nil {
					t.Errorf("mark: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for url, count := range seen {
		require.Equal(t, 1, count, "url %s dequeued more than once", url)
	}
	require.Equal(t, n, f.Stats().Succeeded)
}

func TestTransientRetriesUntilAbandoned(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{MaxRetries: 3})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/flaky", Priority: 8}))

	lastAttempt := 0
	lastPriority := 8.0
	for {
		task := dequeue(t, f)
		updated, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveRetry, Reason: "timeout"})
		require.NoError(t, err)
		require.Greater(t, updated.AttemptCount, lastAttempt)
		lastAttempt = updated.AttemptCount
		if updated.State == crawler.TaskAbandoned {
			break
		}
		require.Equal(t, crawler.TaskPending, updated.State)
		require.Less(t, updated.Priority, lastPriority)
		lastPriority = updated.Priority
	}
	require.Equal(t, 4, lastAttempt)
	require.Equal(t, 3, f.Stats().Retries)
	require.Equal(t, 1, f.Stats().Abandoned)

	_, err := f.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrDrained)
}

func TestPermanentFailureAbandonsWithoutRetry(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{MaxRetries: 3})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/missing"}))
	task := dequeue(t, f)
	updated, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveAbandon, Reason: "status 404"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskAbandoned, updated.State)
	require.Zero(t, updated.AttemptCount)
	require.Equal(t, "status 404", updated.LastError)

	_, err = f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveRetry})
	require.ErrorIs(t, err, ErrNotInFlight)
	_, err = f.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrDrained)
}

func TestRequeueKeepsAttemptCount(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{MaxRetries: 1})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/", Priority: 1}))
	for i := 0; i < 5; i++ {
		task := dequeue(t, f)
		updated, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveRequeue, Reason: "no identity"})
		require.NoError(t, err)
		require.Equal(t, crawler.TaskPending, updated.State)
		require.Zero(t, updated.AttemptCount)
	}
	task := dequeue(t, f)
	require.Less(t, task.Priority, 1.0)
	require.Equal(t, 5, f.Stats().Requeues)
}

func TestRetryVisibilityDelay(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{MaxRetries: 2, Backoff: fixedBackoff(80 * time.Millisecond)})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	task := dequeue(t, f)

	updated, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveRetry})
	require.NoError(t, err)
	require.False(t, updated.VisibleAt.IsZero())
	require.Equal(t, crawler.TaskFailed, updated.State)
	require.Equal(t, 1, f.Stats().Delayed)
	require.Equal(t, 1, f.Stats().Failed)

	start := time.Now()
	again := dequeue(t, f)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	require.Equal(t, 1, again.AttemptCount)
	require.Equal(t, crawler.TaskInFlight, again.State)
	require.Zero(t, f.Stats().Failed)
}

func TestRetryAbandonsPastMaxAge(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := New(Config{MaxRetries: 10, MaxAge: time.Minute, Backoff: fixedBackoff(0)}, clock)
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	task := dequeue(t, f)

	clock.Advance(2 * time.Minute)
	updated, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveRetry, Reason: "reset"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskAbandoned, updated.State)
	require.Contains(t, updated.LastError, "max age")
}

func TestRequeueAbandonsPastMaxAge(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := New(Config{MaxRetries: 10, MaxAge: time.Minute, Backoff: fixedBackoff(0)}, clock)
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/"}))
	task := dequeue(t, f)

	clock.Advance(time.Hour)
	updated, err := f.MarkResult(task, crawler.TaskOutcome{Resolution: crawler.ResolveRequeue, Reason: "no identity available"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskAbandoned, updated.State)
	require.Contains(t, updated.LastError, "max age")
	require.Zero(t, f.Stats().Requeues)

	_, err = f.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrDrained)
}

func TestMarkResultUnknownTask(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	_, err := f.MarkResult(crawler.URLTask{URL: "https://nope.test/"}, crawler.TaskOutcome{})
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{})
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/done"}))
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/busy"}))
	require.True(t, f.Enqueue(crawler.URLTask{URL: "https://a.test/waiting"}))

	done := dequeue(t, f)
	_, err := f.MarkResult(done, crawler.TaskOutcome{Resolution: crawler.ResolveSucceeded})
	require.NoError(t, err)
	dequeue(t, f)

	snap := f.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, crawler.TaskSucceeded, snap[0].State)
	require.Equal(t, crawler.TaskPending, snap[1].State)

	restored := newTestFrontier(Config{})
	require.Equal(t, 3, restored.Restore(snap))
	require.False(t, restored.Enqueue(crawler.URLTask{URL: "https://a.test/done"}))

	stats := restored.Stats()
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, 1, stats.Succeeded)
}
