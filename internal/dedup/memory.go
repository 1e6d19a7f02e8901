// Package dedup records content fingerprints so identical documents reach the
// output sink at most once per crawl.
package dedup

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

// Memory is an in-process dedup cache. With a positive capacity the oldest
// fingerprints are evicted once the cache is full; otherwise it grows without
// bound for the life of the crawl.
type Memory struct {
	mu      sync.Mutex
	bounded *lru.Cache
	entries map[string]*crawler.FingerprintEntry
}

var _ crawler.DedupCache = (*Memory)(nil)

// NewMemory returns an empty cache holding at most capacity fingerprints, or
// unbounded when capacity <= 0.
func NewMemory(capacity int) *Memory {
	m := &Memory{}
	if capacity > 0 {
		m.bounded = lru.New(capacity)
	} else {
		m.entries = make(map[string]*crawler.FingerprintEntry)
	}
	return m
}

func (m *Memory) get(fingerprint string) (*crawler.FingerprintEntry, bool) {
	if m.bounded != nil {
		v, ok := m.bounded.Get(fingerprint)
		if !ok {
			return nil, false
		}
		return v.(*crawler.FingerprintEntry), true
	}
	e, ok := m.entries[fingerprint]
	return e, ok
}

// CheckAndRecord reports whether fingerprint is new and records it either way.
func (m *Memory) CheckAndRecord(_ context.Context, fingerprint, url string) (crawler.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.get(fingerprint); ok {
		e.SeenCount++
		return crawler.VerdictDuplicate, nil
	}
	e := &crawler.FingerprintEntry{Fingerprint: fingerprint, FirstSeenURL: url, SeenCount: 1}
	if m.bounded != nil {
		m.bounded.Add(fingerprint, e)
	} else {
		m.entries[fingerprint] = e
	}
	return crawler.VerdictNew, nil
}

// Forget removes a fingerprint so a later copy is treated as new.
func (m *Memory) Forget(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounded != nil {
		m.bounded.Remove(fingerprint)
	} else {
		delete(m.entries, fingerprint)
	}
	return nil
}

// Lookup returns a copy of the entry for fingerprint.
func (m *Memory) Lookup(_ context.Context, fingerprint string) (crawler.FingerprintEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(fingerprint)
	if !ok {
		return crawler.FingerprintEntry{}, false, nil
	}
	return *e, true, nil
}

// Len reports how many fingerprints are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounded != nil {
		return m.bounded.Len()
	}
	return len(m.entries)
}
