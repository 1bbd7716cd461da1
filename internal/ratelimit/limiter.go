// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. It throttles control connections, control messages
// and detection reports per identifier.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:report:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleReport allows 30 detection reports per minute per source host.
	RuleReport = Rule{Key: "rl:report:", Limit: 30, Window: time.Minute}

	// RuleControl allows 50 control messages per 10 seconds per session.
	RuleControl = Rule{Key: "rl:ctl:", Limit: 50, Window: 10 * time.Second}

	// RuleConnect allows 10 control connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	log    logrus.FieldLogger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable, log logrus.FieldLogger) *Limiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Limiter{client: client, log: log.WithField("component", "ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.WithError(err).Warnf("[ratelimit] redis INCR key=%s failed (failing open)", key)
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.WithError(err).Warnf("[ratelimit] redis EXPIRE key=%s failed (failing open)", key)
			// Without a TTL the key would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.WithError(err).Warnf("[ratelimit] redis GET key=%s failed (failing open)", key)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
