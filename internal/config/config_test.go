package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Classifier.Timeout)
	assert.Equal(t, 10, cfg.Classifier.MaxBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Classifier.FallbackWindow)
	assert.Equal(t, "memory", cfg.Cache.Kind)
	assert.Equal(t, 10000, cfg.Cache.Capacity)
	assert.Equal(t, "static", cfg.Settings.Source)
	assert.Empty(t, cfg.Classifier.Endpoints)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pageguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
classifier:
  endpoints:
    - http://a.internal/classify
    - http://b.internal/classify
  timeout: 2s
cache:
  kind: redis
redis:
  addr: localhost:6379
`), 0o644))

	t.Setenv("PAGEGUARD_LOG_LEVEL", "debug")
	t.Setenv("PAGEGUARD_SERVER_LISTEN_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"http://a.internal/classify", "http://b.internal/classify"}, cfg.Classifier.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Classifier.Timeout)
	assert.Equal(t, "redis", cfg.Cache.Kind)
}

func TestLoad_EndpointsFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PAGEGUARD_CLASSIFIER_ENDPOINTS", "http://a/classify, http://b/classify")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a/classify", "http://b/classify"}, cfg.Classifier.Endpoints)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"memory static", Config{Cache: CacheConfig{Kind: "memory"}, Settings: SettingsConfig{Source: "static"}}, true},
		{"redis cache without addr", Config{Cache: CacheConfig{Kind: "redis"}, Settings: SettingsConfig{Source: "static"}}, false},
		{"unknown cache", Config{Cache: CacheConfig{Kind: "disk"}, Settings: SettingsConfig{Source: "static"}}, false},
		{"file source without path", Config{Cache: CacheConfig{Kind: "memory"}, Settings: SettingsConfig{Source: "file"}}, false},
		{"redis source", Config{Cache: CacheConfig{Kind: "memory"}, Settings: SettingsConfig{Source: "redis"}, Redis: RedisConfig{Addr: "r:6379"}}, true},
		{"unknown source", Config{Cache: CacheConfig{Kind: "memory"}, Settings: SettingsConfig{Source: "s3"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
