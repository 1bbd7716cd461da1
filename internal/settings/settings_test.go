package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	s := Settings{
		Language:            "klingon",
		DetectionMode:       "psychic",
		FlagStyle:           "sparkles",
		ConfidenceThreshold: 1.7,
		WhitelistWebsites:   []string{" Example.COM ", "", "example.com", "news.site.ph"},
		CustomTerms:         []string{" frak ", "frak"},
	}.Normalize()

	assert.Equal(t, Mixed, s.Language)
	assert.Equal(t, TermBased, s.DetectionMode)
	assert.Equal(t, StyleHighlight, s.FlagStyle)
	assert.Equal(t, 1.0, s.ConfidenceThreshold)
	assert.Equal(t, "#ff6b6b", s.HighlightColor)
	assert.Equal(t, 5.0, s.BlurAmount)
	assert.Equal(t, []string{"example.com", "news.site.ph"}, s.WhitelistWebsites)
	assert.Equal(t, []string{"frak"}, s.CustomTerms)

	assert.Equal(t, 0.0, Settings{ConfidenceThreshold: -2}.Normalize().ConfidenceThreshold)
}

func TestDefault(t *testing.T) {
	d := Default()
	assert.True(t, d.Enabled)
	assert.Equal(t, Mixed, d.Language)
	assert.Equal(t, TermBased, d.DetectionMode)
	assert.Equal(t, StyleHighlight, d.FlagStyle)
	assert.Equal(t, d, d.Normalize())
}

func TestStatic(t *testing.T) {
	want := Default()
	want.FlagStyle = StyleBlur
	src := NewStatic(want)

	got, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, src.Watch(context.Background(), func(Settings) { t.Fatal("static settings never change") }))
}

func TestFileSource_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enabled: false
language: filipino
detection_mode: context-aware
flag_style: blur
confidence_threshold: 0.85
whitelist_websites: [Example.com]
custom_terms: [tarantado]
`), 0o600))

	log, _ := test.NewNullLogger()
	s, err := NewFileSource(path, log).Load(context.Background())
	require.NoError(t, err)

	assert.False(t, s.Enabled)
	assert.Equal(t, Filipino, s.Language)
	assert.Equal(t, ContextAware, s.DetectionMode)
	assert.Equal(t, StyleBlur, s.FlagStyle)
	assert.Equal(t, 0.85, s.ConfidenceThreshold)
	assert.Equal(t, 5.0, s.BlurAmount, "unset keys keep their defaults")
	assert.Equal(t, []string{"example.com"}, s.WhitelistWebsites)
	assert.Equal(t, []string{"tarantado"}, s.CustomTerms)
}

func TestFileSource_Missing(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml"), log).Load(context.Background())
	assert.ErrorIs(t, err, ErrLoad)
}

func TestFileSource_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"flag_style": "blur"}`), 0o600))

	log, _ := test.NewNullLogger()
	src := NewFileSource(path, log)
	_, err := src.Load(context.Background())
	require.NoError(t, err)

	updates := make(chan Settings, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx, func(s Settings) {
		select {
		case updates <- s:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte(`{"flag_style": "asterisk"}`), 0o600))

	// A write can surface as several events, some of them mid-write.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.FlagStyle == StyleAsterisk {
				return
			}
		case <-deadline:
			t.Fatal("no reload after file change")
		}
	}
}

func TestRedisSource_Load(t *testing.T) {
	client, mock := redismock.NewClientMock()
	log, _ := test.NewNullLogger()
	src := NewRedisSource(client, "school", log)

	mock.ExpectHGetAll("settings:school").SetVal(map[string]string{
		"enabled":              "true",
		"detection_mode":       "context-aware",
		"confidence_threshold": "0.9",
		"whitelist_websites":   "example.com,Intranet.local",
		"custom_terms":         "",
	})

	s, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.Equal(t, ContextAware, s.DetectionMode)
	assert.Equal(t, Mixed, s.Language, "missing fields keep defaults")
	assert.Equal(t, 0.9, s.ConfidenceThreshold)
	assert.Equal(t, []string{"example.com", "intranet.local"}, s.WhitelistWebsites)
	assert.Empty(t, s.CustomTerms)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSource_LoadErrors(t *testing.T) {
	client, mock := redismock.NewClientMock()
	log, _ := test.NewNullLogger()
	src := NewRedisSource(client, "", log)

	mock.ExpectHGetAll("settings:default").SetVal(map[string]string{})
	_, err := src.Load(context.Background())
	assert.ErrorIs(t, err, ErrLoad)

	mock.ExpectHGetAll("settings:default").SetErr(errors.New("connection refused"))
	_, err = src.Load(context.Background())
	assert.ErrorIs(t, err, ErrLoad)
}

func TestRedisSource_Save(t *testing.T) {
	client, mock := redismock.NewClientMock()
	log, _ := test.NewNullLogger()
	src := NewRedisSource(client, "school", log)

	s := Default()
	s.CustomTerms = []string{"frak", "smeg"}
	mock.ExpectHSet("settings:school", toRecord(s.Normalize()).fields()...).SetVal(10)
	mock.ExpectPublish("settings.updated.school", "school").SetVal(1)

	require.NoError(t, src.Save(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}
