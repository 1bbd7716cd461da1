// Package settings defines the user-facing detection settings and the sources
// they are loaded from.
package settings

import (
	"context"
	"errors"
	"strings"
)

// ErrLoad wraps every failure to read settings. Callers fall back to Default.
var ErrLoad = errors.New("settings: load failed")

// Language selects the dictionaries in use.
type Language string

const (
	English  Language = "english"
	Filipino Language = "filipino"
	Mixed    Language = "mixed"
)

// DetectionMode selects how dictionary hits are confirmed.
type DetectionMode string

const (
	TermBased    DetectionMode = "term-based"
	ContextAware DetectionMode = "context-aware"
)

// Flag styles, mirrored by redact.Style.
const (
	StyleHighlight = "highlight"
	StyleBlur      = "blur"
	StyleAsterisk  = "asterisk"
)

// Settings is the full set of user options the engine reads.
type Settings struct {
	Enabled             bool          `mapstructure:"enabled" json:"enabled"`
	Language            Language      `mapstructure:"language" json:"language"`
	DetectionMode       DetectionMode `mapstructure:"detection_mode" json:"detection_mode"`
	FlagStyle           string        `mapstructure:"flag_style" json:"flag_style"`
	HighlightColor      string        `mapstructure:"highlight_color" json:"highlight_color"`
	BlurAmount          float64       `mapstructure:"blur_amount" json:"blur_amount"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" json:"confidence_threshold"`
	WhitelistWebsites   []string      `mapstructure:"whitelist_websites" json:"whitelist_websites"`
	WhitelistTerms      []string      `mapstructure:"whitelist_terms" json:"whitelist_terms"`
	CustomTerms         []string      `mapstructure:"custom_terms" json:"custom_terms"`
}

// Default is used whenever settings cannot be loaded: protection on, both
// languages, dictionary-only, highlighted.
func Default() Settings {
	return Settings{
		Enabled:             true,
		Language:            Mixed,
		DetectionMode:       TermBased,
		FlagStyle:           StyleHighlight,
		HighlightColor:      "#ff6b6b",
		BlurAmount:          5,
		ConfidenceThreshold: 0.7,
	}
}

// Normalize returns a copy with unknown enum values replaced by their
// defaults, the threshold clamped to [0,1] and list entries trimmed.
// Websites are lowercased.
func (s Settings) Normalize() Settings {
	def := Default()
	switch s.Language {
	case English, Filipino, Mixed:
	default:
		s.Language = def.Language
	}
	switch s.DetectionMode {
	case TermBased, ContextAware:
	default:
		s.DetectionMode = def.DetectionMode
	}
	switch s.FlagStyle {
	case StyleHighlight, StyleBlur, StyleAsterisk:
	default:
		s.FlagStyle = def.FlagStyle
	}
	if strings.TrimSpace(s.HighlightColor) == "" {
		s.HighlightColor = def.HighlightColor
	}
	if s.BlurAmount <= 0 {
		s.BlurAmount = def.BlurAmount
	}
	s.ConfidenceThreshold = min(max(s.ConfidenceThreshold, 0), 1)

	s.WhitelistWebsites = cleanList(s.WhitelistWebsites, true)
	s.WhitelistTerms = cleanList(s.WhitelistTerms, false)
	s.CustomTerms = cleanList(s.CustomTerms, false)
	return s
}

func cleanList(in []string, lower bool) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Source supplies settings to an engine.
type Source interface {
	// Load returns the current settings. Errors wrap ErrLoad.
	Load(ctx context.Context) (Settings, error)
	// Watch calls fn with fresh settings whenever they change, until ctx is
	// done. It returns once watching has started.
	Watch(ctx context.Context, fn func(Settings)) error
}

// Static is a Source that never changes.
type Static struct {
	s Settings
}

// NewStatic returns a Source serving s.
func NewStatic(s Settings) *Static { return &Static{s: s} }

// Load returns the fixed settings.
func (st *Static) Load(context.Context) (Settings, error) { return st.s, nil }

// Watch does nothing; static settings never change.
func (st *Static) Watch(context.Context, func(Settings)) error { return nil }
