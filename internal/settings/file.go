package settings

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// FileSource reads settings from a YAML or JSON file and reloads them when
// the file changes.
type FileSource struct {
	v   *viper.Viper
	log logrus.FieldLogger
}

// NewFileSource returns a source for path. The file is not read until Load.
func NewFileSource(path string, log logrus.FieldLogger) *FileSource {
	v := viper.New()
	v.SetConfigFile(path)

	def := Default()
	v.SetDefault("enabled", def.Enabled)
	v.SetDefault("language", string(def.Language))
	v.SetDefault("detection_mode", string(def.DetectionMode))
	v.SetDefault("flag_style", def.FlagStyle)
	v.SetDefault("highlight_color", def.HighlightColor)
	v.SetDefault("blur_amount", def.BlurAmount)
	v.SetDefault("confidence_threshold", def.ConfidenceThreshold)

	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileSource{v: v, log: log.WithField("component", "settings")}
}

// Load reads and decodes the file.
func (f *FileSource) Load(context.Context) (Settings, error) {
	if err := f.v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("%w: read %s: %v", ErrLoad, f.v.ConfigFileUsed(), err)
	}
	return f.decode()
}

func (f *FileSource) decode() (Settings, error) {
	var s Settings
	if err := f.v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("%w: decode: %v", ErrLoad, err)
	}
	return s.Normalize(), nil
}

// Watch reloads on every write to the file. A file that fails to decode is
// logged and skipped. viper cannot stop a watch, so fn is simply no longer
// called once ctx is done.
func (f *FileSource) Watch(ctx context.Context, fn func(Settings)) error {
	f.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		s, err := f.decode()
		if err != nil {
			f.log.WithError(err).Warnf("[settings] ignoring bad update from %s", e.Name)
			return
		}
		f.log.Infof("[settings] reloaded from %s", e.Name)
		fn(s)
	})
	f.v.WatchConfig()
	return nil
}
