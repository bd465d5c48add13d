// Package redisstore keeps token buckets in Redis so that every gateway
// process shares one quota per partition key.
//
// Each bucket is a hash "<prefix>:<key>" with the fields "tokens" and
// "last_refill" (unix seconds, microsecond precision). Load and Save are
// separate round-trips with no lock or script around them: two processes
// deciding on the same key at the same instant can both admit from the same
// tokens, and the later Save wins. Admission is therefore approximate under
// per-key contention. Moving the refill into a server-side script would make
// it exact.
package redisstore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/GateRelay/internal/ratelimit"
)

const (
	fieldTokens     = "tokens"
	fieldLastRefill = "last_refill"
)

type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "bucket"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClient builds a client from either a redis:// URL or a host:port address.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if password != "" {
			opt.Password = password
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

func (s *Store) Name() string { return "redis" }

func (s *Store) key(k string) string { return s.prefix + ":" + k }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return nil
}

// Load returns found=false for missing or unparsable buckets; the next Save
// overwrites them.
func (s *Store) Load(ctx context.Context, key string) (ratelimit.State, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	if len(vals) == 0 {
		return ratelimit.State{}, false, nil
	}
	tokens, err := strconv.ParseFloat(vals[fieldTokens], 64)
	if err != nil || math.IsNaN(tokens) {
		return ratelimit.State{}, false, nil
	}
	last, err := strconv.ParseFloat(vals[fieldLastRefill], 64)
	if err != nil {
		return ratelimit.State{}, false, nil
	}
	return ratelimit.State{
		Tokens:     tokens,
		LastRefill: time.UnixMicro(int64(math.Round(last * 1e6))),
	}, true, nil
}

func (s *Store) Save(ctx context.Context, key string, st ratelimit.State, ttl time.Duration) error {
	k := s.key(key)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, k,
		fieldTokens, strconv.FormatFloat(st.Tokens, 'f', -1, 64),
		fieldLastRefill, strconv.FormatFloat(float64(st.LastRefill.UnixMicro())/1e6, 'f', 6, 64),
	)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return nil
}
