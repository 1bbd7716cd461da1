package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/metrics"
)

// KeyPrefix namespaces verdict keys in Redis.
const KeyPrefix = "verdict:"

// DefaultTTL is how long a shared verdict lives.
const DefaultTTL = 24 * time.Hour

// Redis is a verdict cache shared between processes. Every Redis error is
// treated as a miss so a Redis outage only costs extra classifier calls.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	log    logrus.FieldLogger
	puts   atomic.Int64
}

// NewRedis returns a Redis-backed cache. ttl <= 0 uses DefaultTTL.
func NewRedis(client redis.Cmdable, ttl time.Duration, log logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{client: client, ttl: ttl, log: log.WithField("component", "cache")}
}

// Get fetches and decodes the verdict for text.
func (r *Redis) Get(ctx context.Context, text string) (classify.Verdict, bool) {
	key := KeyPrefix + Fingerprint(text)

	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WithError(err).Warnf("[cache] redis GET %s failed, treating as miss", key)
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return classify.Verdict{}, false
	}

	var v classify.Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		r.log.WithError(err).Warnf("[cache] corrupt verdict at %s", key)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return classify.Verdict{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return v, true
}

// Put stores v for text with the configured TTL. Errors are logged only.
func (r *Redis) Put(ctx context.Context, text string, v classify.Verdict) {
	key := KeyPrefix + Fingerprint(text)

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.log.WithError(err).Warnf("[cache] redis SET %s failed", key)
		return
	}
	r.puts.Add(1)
}

// Len returns the number of verdicts this process has written. The shared
// keyspace is not counted; scanning it would cost a round trip per call.
func (r *Redis) Len() int {
	return int(r.puts.Load())
}
