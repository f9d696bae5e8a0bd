package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a Store backed by redis so several gateway instances
// can share correlation state. Records expire server-side after ttl as a
// backstop against leaks if no sweep ever runs.
func NewRedisStore(redisURL string, prefix string, ttl time.Duration) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	if prefix == "" {
		prefix = "meshgate"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *redisStore) key(traceID string) string {
	return s.prefix + ":corr:" + traceID
}

func (s *redisStore) Get(ctx context.Context, traceID string) (Record, error) {
	b, err := s.client.Get(ctx, s.key(traceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get correlation: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode correlation %q: %w", traceID, err)
	}
	return rec, nil
}

func (s *redisStore) Save(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode correlation %q: %w", rec.TraceID, err)
	}
	if err := s.client.Set(ctx, s.key(rec.TraceID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save correlation: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, traceID string) error {
	if err := s.client.Del(ctx, s.key(traceID)).Err(); err != nil {
		return fmt.Errorf("redis delete correlation: %w", err)
	}
	return nil
}

func (s *redisStore) TraceIDs(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	match := s.prefix + ":corr:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan correlations: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.prefix+":corr:"))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
