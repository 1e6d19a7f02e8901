// Package frontier implements the prioritized, deduplicated URL queue that
// feeds crawl workers, including the per-task retry state machine.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/cleancrawl/internal/clock/system"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

var (
	// ErrDrained is returned by Dequeue once nothing is pending, delayed, or in flight.
	ErrDrained = errors.New("frontier drained")
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("frontier closed")
	// ErrUnknownTask is returned when a result references a URL never enqueued.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotInFlight is returned when a result arrives for a task nobody owns.
	ErrNotInFlight = errors.New("task not in flight")
)

// Backoff yields the delay before a retry attempt becomes visible.
type Backoff interface {
	Backoff(attempt int) time.Duration
}

// Config tunes retry and requeue behavior.
type Config struct {
	MaxRetries    int
	MaxAge        time.Duration
	PriorityDecay float64
	RequeueDecay  float64
	RequeueDelay  time.Duration
	Backoff       Backoff
}

func (c Config) withDefaults() Config {
	if c.PriorityDecay <= 0 || c.PriorityDecay > 1 {
		c.PriorityDecay = 0.5
	}
	if c.RequeueDecay <= 0 || c.RequeueDecay > 1 {
		c.RequeueDecay = 0.9
	}
	if c.RequeueDelay < 0 {
		c.RequeueDelay = 0
	}
	if c.Backoff == nil {
		c.Backoff = crawler.NewExponentialBackoff(0, 0)
	}
	return c
}

// Stats counts tasks per state.
type Stats struct {
	Pending   int `json:"pending"`
	Delayed   int `json:"delayed"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
	Requeues  int `json:"requeues"`
	Total     int `json:"total"`
}

type record struct {
	task  crawler.URLTask
	seq   uint64
	index int
}

// Frontier owns every task the crawl has seen. All operations are atomic with
// respect to concurrent workers.
type Frontier struct {
	cfg   Config
	clock crawler.Clock

	mu       sync.Mutex
	records  map[string]*record
	ready    readyHeap
	delayed  delayedHeap
	inflight int
	seq      uint64
	retries  int
	requeues int
	closed   bool
	wake     chan struct{}
}

// New constructs an empty frontier.
func New(cfg Config, clock crawler.Clock) *Frontier {
	if clock == nil {
		clock = system.New()
	}
	return &Frontier{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		records: make(map[string]*record),
		wake:    make(chan struct{}),
	}
}

// Enqueue accepts a task when its normalized URL is unseen. Duplicates and
// unparseable URLs are rejected without side effects.
func (f *Frontier) Enqueue(task crawler.URLTask) bool {
	normalized, err := crawler.NormalizeURL(task.URL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, seen := f.records[normalized]; seen {
		return false
	}
	now := f.clock.Now()
	task.URL = normalized
	task.State = crawler.TaskPending
	task.AttemptCount = 0
	task.LastError = ""
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	f.insertLocked(task, now)
	f.broadcastLocked()
	return true
}

// Dequeue hands the best visible task to the caller and marks it in flight.
// It parks while work is still expected and returns ErrDrained once the
// frontier holds nothing pending, delayed, or in flight.
func (f *Frontier) Dequeue(ctx context.Context) (crawler.URLTask, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return crawler.URLTask{}, ErrClosed
		}
		now := f.clock.Now()
		f.promoteLocked(now)
		if f.ready.Len() > 0 {
			rec := heap.Pop(&f.ready).(*record)
			rec.task.State = crawler.TaskInFlight
			f.inflight++
			task := rec.task
			f.mu.Unlock()
			return task, nil
		}
		if f.delayed.Len() == 0 && f.inflight == 0 {
			f.mu.Unlock()
			return crawler.URLTask{}, ErrDrained
		}
		wake := f.wake
		var timer *time.Timer
		var timerC <-chan time.Time
		if f.delayed.Len() > 0 {
			timer = time.NewTimer(f.delayed[0].task.VisibleAt.Sub(now))
			timerC = timer.C
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return crawler.URLTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// MarkResult applies a resolution to an in-flight task and returns its new
// state.
func (f *Frontier) MarkResult(task crawler.URLTask, outcome crawler.TaskOutcome) (crawler.URLTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[task.URL]
	if !ok {
		return crawler.URLTask{}, fmt.Errorf("mark %s: %w", task.URL, ErrUnknownTask)
	}
	if rec.task.State != crawler.TaskInFlight {
		return rec.task, fmt.Errorf("mark %s: %w", task.URL, ErrNotInFlight)
	}
	f.inflight--
	defer f.broadcastLocked()

	now := f.clock.Now()
	switch outcome.Resolution {
	case crawler.ResolveSucceeded:
		rec.task.State = crawler.TaskSucceeded
		rec.task.LastError = ""
	case crawler.ResolveRetry:
		rec.task.AttemptCount++
		rec.task.LastError = outcome.Reason
		if rec.task.AttemptCount > f.cfg.MaxRetries {
			rec.task.State = crawler.TaskAbandoned
			rec.task.LastError = fmt.Sprintf("max retries exceeded: %s", outcome.Reason)
			break
		}
		if f.expiredLocked(rec, now) {
			rec.task.State = crawler.TaskAbandoned
			rec.task.LastError = fmt.Sprintf("max age exceeded: %s", outcome.Reason)
			break
		}
		f.retries++
		rec.task.Priority *= f.cfg.PriorityDecay
		f.scheduleLocked(rec, now.Add(f.cfg.Backoff.Backoff(rec.task.AttemptCount)), now)
		// Failed until the backoff elapses and promoteLocked makes it pending.
		if !rec.task.VisibleAt.IsZero() {
			rec.task.State = crawler.TaskFailed
		}
	case crawler.ResolveRequeue:
		rec.task.LastError = outcome.Reason
		if f.expiredLocked(rec, now) {
			rec.task.State = crawler.TaskAbandoned
			rec.task.LastError = fmt.Sprintf("max age exceeded: %s", outcome.Reason)
			break
		}
		f.requeues++
		rec.task.Priority *= f.cfg.RequeueDecay
		f.scheduleLocked(rec, now.Add(f.cfg.RequeueDelay), now)
	default:
		rec.task.State = crawler.TaskAbandoned
		rec.task.LastError = outcome.Reason
	}
	return rec.task, nil
}

// Get returns the current view of a task by URL.
func (f *Frontier) Get(rawURL string) (crawler.URLTask, bool) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.URLTask{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[normalized]
	if !ok {
		return crawler.URLTask{}, false
	}
	return rec.task, true
}

// Stats returns per-state counts.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := Stats{
		Pending:  f.ready.Len(),
		Delayed:  f.delayed.Len(),
		InFlight: f.inflight,
		Retries:  f.retries,
		Requeues: f.requeues,
		Total:    len(f.records),
	}
	for _, rec := range f.records {
		switch rec.task.State {
		case crawler.TaskSucceeded:
			stats.Succeeded++
		case crawler.TaskAbandoned:
			stats.Abandoned++
		case crawler.TaskFailed:
			stats.Failed++
		}
	}
	return stats
}

// Snapshot returns every task in insertion order. In-flight tasks are
// reported as pending so a restored crawl fetches them again.
func (f *Frontier) Snapshot() []crawler.URLTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := make([]*record, 0, len(f.records))
	for _, rec := range f.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]crawler.URLTask, 0, len(recs))
	for _, rec := range recs {
		task := rec.task
		if task.State == crawler.TaskInFlight {
			task.State = crawler.TaskPending
		}
		out = append(out, task)
	}
	return out
}

// Restore loads tasks from a snapshot. Terminal tasks only join the seen set;
// the rest become pending again. Already known URLs are skipped.
func (f *Frontier) Restore(tasks []crawler.URLTask) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	restored := 0
	for _, task := range tasks {
		normalized, err := crawler.NormalizeURL(task.URL)
		if err != nil {
			continue
		}
		if _, seen := f.records[normalized]; seen {
			continue
		}
		task.URL = normalized
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		if task.State.Terminal() {
			f.seq++
			f.records[normalized] = &record{task: task, seq: f.seq, index: -1}
		} else {
			task.State = crawler.TaskPending
			f.insertLocked(task, now)
		}
		restored++
	}
	f.broadcastLocked()
	return restored
}

// Close wakes parked workers; subsequent Dequeue calls return ErrClosed.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.broadcastLocked()
}

func (f *Frontier) insertLocked(task crawler.URLTask, now time.Time) {
	f.seq++
	rec := &record{task: task, seq: f.seq, index: -1}
	f.records[task.URL] = rec
	f.scheduleLocked(rec, task.VisibleAt, now)
}

func (f *Frontier) scheduleLocked(rec *record, visibleAt, now time.Time) {
	rec.task.State = crawler.TaskPending
	if visibleAt.After(now) {
		rec.task.VisibleAt = visibleAt
		heap.Push(&f.delayed, rec)
		return
	}
	rec.task.VisibleAt = time.Time{}
	heap.Push(&f.ready, rec)
}

func (f *Frontier) expiredLocked(rec *record, now time.Time) bool {
	return f.cfg.MaxAge > 0 && now.Sub(rec.task.CreatedAt) > f.cfg.MaxAge
}

func (f *Frontier) promoteLocked(now time.Time) {
	for f.delayed.Len() > 0 && !f.delayed[0].task.VisibleAt.After(now) {
		rec := heap.Pop(&f.delayed).(*record)
		rec.task.State = crawler.TaskPending
		rec.task.VisibleAt = time.Time{}
		heap.Push(&f.ready, rec)
	}
}

func (f *Frontier) broadcastLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}
