package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/utils"
	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// SummaryLookaside remembers committed summaries by cache key so repeated
// requests skip the store. Implementations must only be fed rows that are
// already durable.
type SummaryLookaside interface {
	Get(ctx context.Context, key string) (*db.Summary, bool)
	Set(ctx context.Context, key string, summary *db.Summary)
}

type noLookaside struct{}

func (noLookaside) Get(context.Context, string) (*db.Summary, bool) { return nil, false }
func (noLookaside) Set(context.Context, string, *db.Summary)        {}

// NoLookaside disables the lookaside layer.
var NoLookaside SummaryLookaside = noLookaside{}

// MemoryLookaside keeps summaries in process memory.
type MemoryLookaside struct {
	cache *cache.Cache
}

// NewMemoryLookaside creates an in-process lookaside with the given TTL.
func NewMemoryLookaside(ttl time.Duration) *MemoryLookaside {
	return &MemoryLookaside{cache: cache.New(ttl, 2*ttl)}
}

func (l *MemoryLookaside) Get(_ context.Context, key string) (*db.Summary, bool) {
	v, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}
	s := *v.(*db.Summary)
	return &s, true
}

func (l *MemoryLookaside) Set(_ context.Context, key string, summary *db.Summary) {
	s := *summary
	s.Reused = false
	l.cache.SetDefault(key, &s)
}

// RedisLookaside shares summaries across restarts through Redis.
type RedisLookaside struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisLookaside creates a Redis-backed lookaside.
func NewRedisLookaside(client *redis.Client, ttl time.Duration) *RedisLookaside {
	return &RedisLookaside{
		client: client,
		ttl:    ttl,
		prefix: "inkos:summary:",
		logger: utils.GetLogger(),
	}
}

func (l *RedisLookaside) Get(ctx context.Context, key string) (*db.Summary, bool) {
	raw, err := l.client.Get(ctx, l.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			l.logger.Debug("summary lookaside read failed", "error", err)
		}
		return nil, false
	}
	var s db.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (l *RedisLookaside) Set(ctx context.Context, key string, summary *db.Summary) {
	raw, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := l.client.Set(ctx, l.prefix+key, raw, l.ttl).Err(); err != nil {
		l.logger.Debug("summary lookaside write failed", "error", err)
	}
}
