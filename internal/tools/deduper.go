package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taskline/internal/auth"
)

const DefaultDedupTTL = 24 * time.Hour

// Deduper remembers executed tool call ids in Redis so a replayed call is
// not executed twice.
type Deduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewDeduper(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{rdb: rdb, ttl: ttl, prefix: "taskline:toolcall", logger: logger}
}

func (d *Deduper) key(identity auth.Identity, callID string) string {
	return fmt.Sprintf("%s:%s:%s", d.prefix, identity, callID)
}

// AcquireOnce returns true the first time a call id is seen for identity.
// When Redis is unavailable the call is allowed.
func (d *Deduper) AcquireOnce(ctx context.Context, identity auth.Identity, callID string) bool {
	key := d.key(identity, callID)
	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("tool call dedup check failed, allowing call",
			zap.String("identity", identity.String()),
			zap.String("call_id", callID),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		d.logger.Info("skipped duplicate tool call",
			zap.String("identity", identity.String()),
			zap.String("call_id", callID),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Release forgets a call id so the same call can be retried.
func (d *Deduper) Release(ctx context.Context, identity auth.Identity, callID string) {
	if err := d.rdb.Del(ctx, d.key(identity, callID)).Err(); err != nil {
		d.logger.Warn("tool call dedup release failed",
			zap.String("identity", identity.String()),
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
}
