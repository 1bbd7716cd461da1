package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// KeyPrefix is the Redis key prefix for settings hashes.
	KeyPrefix = "settings:"
	// ChannelPrefix is the pub/sub channel prefix for change notifications.
	ChannelPrefix = "settings.updated."
)

// record is the hash layout. Lists are stored comma-separated.
type record struct {
	Enabled             bool    `redis:"enabled"`
	Language            string  `redis:"language"`
	DetectionMode       string  `redis:"detection_mode"`
	FlagStyle           string  `redis:"flag_style"`
	HighlightColor      string  `redis:"highlight_color"`
	BlurAmount          float64 `redis:"blur_amount"`
	ConfidenceThreshold float64 `redis:"confidence_threshold"`
	WhitelistWebsites   string  `redis:"whitelist_websites"`
	WhitelistTerms      string  `redis:"whitelist_terms"`
	CustomTerms         string  `redis:"custom_terms"`
}

func toRecord(s Settings) record {
	return record{
		Enabled:             s.Enabled,
		Language:            string(s.Language),
		DetectionMode:       string(s.DetectionMode),
		FlagStyle:           s.FlagStyle,
		HighlightColor:      s.HighlightColor,
		BlurAmount:          s.BlurAmount,
		ConfidenceThreshold: s.ConfidenceThreshold,
		WhitelistWebsites:   strings.Join(s.WhitelistWebsites, ","),
		WhitelistTerms:      strings.Join(s.WhitelistTerms, ","),
		CustomTerms:         strings.Join(s.CustomTerms, ","),
	}
}

func (r record) settings() Settings {
	return Settings{
		Enabled:             r.Enabled,
		Language:            Language(r.Language),
		DetectionMode:       DetectionMode(r.DetectionMode),
		FlagStyle:           r.FlagStyle,
		HighlightColor:      r.HighlightColor,
		BlurAmount:          r.BlurAmount,
		ConfidenceThreshold: r.ConfidenceThreshold,
		WhitelistWebsites:   splitList(r.WhitelistWebsites),
		WhitelistTerms:      splitList(r.WhitelistTerms),
		CustomTerms:         splitList(r.CustomTerms),
	}.Normalize()
}

// fields flattens r in a fixed order for HSET.
func (r record) fields() []interface{} {
	return []interface{}{
		"enabled", strconv.FormatBool(r.Enabled),
		"language", r.Language,
		"detection_mode", r.DetectionMode,
		"flag_style", r.FlagStyle,
		"highlight_color", r.HighlightColor,
		"blur_amount", strconv.FormatFloat(r.BlurAmount, 'f', -1, 64),
		"confidence_threshold", strconv.FormatFloat(r.ConfidenceThreshold, 'f', -1, 64),
		"whitelist_websites", r.WhitelistWebsites,
		"whitelist_terms", r.WhitelistTerms,
		"custom_terms", r.CustomTerms,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// RedisSource reads a settings profile from a Redis hash and listens for
// change notifications on a pub/sub channel.
type RedisSource struct {
	client  redis.UniversalClient
	profile string
	log     logrus.FieldLogger
}

// NewRedisSource returns a source for the given profile.
func NewRedisSource(client redis.UniversalClient, profile string, log logrus.FieldLogger) *RedisSource {
	if profile == "" {
		profile = "default"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisSource{client: client, profile: profile, log: log.WithField("component", "settings")}
}

func (r *RedisSource) key() string     { return KeyPrefix + r.profile }
func (r *RedisSource) channel() string { return ChannelPrefix + r.profile }

// Load reads the profile hash. Fields missing from the hash keep their
// default values.
func (r *RedisSource) Load(ctx context.Context) (Settings, error) {
	cmd := r.client.HGetAll(ctx, r.key())
	fields, err := cmd.Result()
	if err != nil {
		return Settings{}, fmt.Errorf("%w: redis HGETALL %s: %v", ErrLoad, r.key(), err)
	}
	if len(fields) == 0 {
		return Settings{}, fmt.Errorf("%w: profile %q not found", ErrLoad, r.profile)
	}

	rec := toRecord(Default())
	if err := cmd.Scan(&rec); err != nil {
		return Settings{}, fmt.Errorf("%w: scan %s: %v", ErrLoad, r.key(), err)
	}
	return rec.settings(), nil
}

// Save writes s to the profile hash and notifies watchers.
func (r *RedisSource) Save(ctx context.Context, s Settings) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.key(), toRecord(s.Normalize()).fields()...)
	pipe.Publish(ctx, r.channel(), r.profile)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settings: save %s: %w", r.key(), err)
	}
	return nil
}

// Watch subscribes to the profile's change channel and reloads the hash on
// every notification.
func (r *RedisSource) Watch(ctx context.Context, fn func(Settings)) error {
	sub := r.client.Subscribe(ctx, r.channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("settings: subscribe %s: %w", r.channel(), err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				s, err := r.Load(ctx)
				if err != nil {
					r.log.WithError(err).Warn("[settings] reload after notification failed")
					continue
				}
				fn(s)
			}
		}
	}()
	return nil
}
