package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const (
	fieldURL   = "url"
	fieldCount = "count"
)

// Redis stores fingerprints as hashes so dedup state can outlive a single run
// and be shared by crawls pointed at the same output.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ crawler.DedupCache = (*Redis)(nil)

// NewRedis wraps client. Keys are prefix+fingerprint; a zero ttl keeps them
// forever.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "cleancrawl:fp:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(fingerprint string) string {
	return r.prefix + fingerprint
}

// CheckAndRecord sets the first-seen URL only if the fingerprint is absent
// and bumps its seen count in the same transaction.
func (r *Redis) CheckAndRecord(ctx context.Context, fingerprint, url string) (crawler.Verdict, error) {
	key := r.key(fingerprint)
	var created *redis.BoolCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.HSetNX(ctx, key, fieldURL, url)
		pipe.HIncrBy(ctx, key, fieldCount, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return crawler.VerdictDuplicate, fmt.Errorf("record fingerprint: %w", err)
	}
	if created.Val() {
		return crawler.VerdictNew, nil
	}
	return crawler.VerdictDuplicate, nil
}

// Forget deletes the fingerprint.
func (r *Redis) Forget(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("forget fingerprint: %w", err)
	}
	return nil
}

// Lookup reads the stored entry.
func (r *Redis) Lookup(ctx context.Context, fingerprint string) (crawler.FingerprintEntry, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key(fingerprint)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawler.FingerprintEntry{}, false, nil
		}
		return crawler.FingerprintEntry{}, false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if len(vals) == 0 {
		return crawler.FingerprintEntry{}, false, nil
	}
	count, err := strconv.ParseInt(vals[fieldCount], 10, 64)
	if err != nil {
		return crawler.FingerprintEntry{}, false, fmt.Errorf("lookup fingerprint: bad count %q: %w", vals[fieldCount], err)
	}
	return crawler.FingerprintEntry{
		Fingerprint:  fingerprint,
		FirstSeenURL: vals[fieldURL],
		SeenCount:    count,
	}, true, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
