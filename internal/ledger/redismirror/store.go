// Package redismirror copies permit grants into Redis hashes so counts can be
// inspected outside the coordinator process. The in-memory ledger stays
// authoritative; the mirror is best effort and never read back.
package redismirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/permitd/internal/ledger"
	"pkt.systems/permitd/internal/wire"
)

// Bucket modes.
const (
	BucketMinute = "minute"
	BucketNone   = "none"
)

// Store mirrors grants with a pipelined HINCRBY per grant:
//
//	<prefix>:grants               requester -> count
//	<prefix>:total                "grants"  -> count
//	<prefix>:minute:<yyyymmddHHMM> requester -> count (expires after ttl)
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	bucket string
}

// Option customises a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Leading and trailing colons are trimmed.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.Trim(prefix, ": "); p != "" {
			s.prefix = p
		}
	}
}

// WithTTL sets the expiry applied to per-minute buckets. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithBucket selects BucketMinute (default) or BucketNone.
func WithBucket(bucket string) Option {
	return func(s *Store) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

// New wraps an existing client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: "permitd",
		ttl:    24 * time.Hour,
		bucket: BucketMinute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses a redis:// URL, builds a client and verifies it with PING.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redismirror: parse url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redismirror: ping: %w", err)
	}
	return New(rdb, opts...), nil
}

// Prefix returns the configured key prefix.
func (s *Store) Prefix() string { return s.prefix }

// RecordGrant implements ledger.Mirror.
func (s *Store) RecordGrant(ctx context.Context, grant ledger.Grant) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := grant.GrantedAt
	if at.IsZero() {
		at = time.Now()
	}
	field := wire.RequesterLabel(grant.Requester)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":grants", field, 1)
	pipe.HIncrBy(ctx, s.prefix+":total", "grants", 1)
	if s.bucket == BucketMinute {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redismirror: record grant %s: %w", grant.ID, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

var _ ledger.Mirror = (*Store)(nil)
