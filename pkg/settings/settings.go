package settings

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/tutorchat/pkg/persistence/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

var ErrInvalid = errors.New("invalid settings")

// Settings is the application settings blob kept in durable storage.
type Settings struct {
	Host  string `json:"ollamaHost" yaml:"host"`
	Model string `json:"ollamaModel" yaml:"model"`
	Theme string `json:"theme" yaml:"theme"`
}

func Defaults() Settings {
	return Settings{
		Host:  "localhost:11434",
		Model: "llama3",
		Theme: ThemeLight,
	}
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return errors.Wrap(ErrInvalid, "host is required")
	}
	if strings.TrimSpace(s.Model) == "" {
		return errors.Wrap(ErrInvalid, "model is required")
	}
	switch s.Theme {
	case ThemeLight, ThemeDark:
	default:
		return errors.Wrapf(ErrInvalid, "theme must be %s or %s, got %q", ThemeLight, ThemeDark, s.Theme)
	}
	return nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Host  *string
	Model *string
	Theme *string
}

func (s Settings) Apply(p Patch) Settings {
	if p.Host != nil {
		s.Host = strings.TrimSpace(*p.Host)
	}
	if p.Model != nil {
		s.Model = strings.TrimSpace(*p.Model)
	}
	if p.Theme != nil {
		s.Theme = strings.ToLower(strings.TrimSpace(*p.Theme))
	}
	return s
}

// ParsePatch builds a Patch from key=value pairs.
func ParsePatch(pairs []string) (Patch, error) {
	var p Patch
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return Patch{}, errors.Errorf("expected key=value, got %q", pair)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "host", "ollamahost":
			p.Host = &v
		case "model", "ollamamodel":
			p.Model = &v
		case "theme":
			p.Theme = &v
		default:
			return Patch{}, errors.Errorf("unknown setting %q", k)
		}
	}
	return p, nil
}

// Load returns the saved settings merged over the defaults. A corrupt blob
// yields the defaults.
func Load(ctx context.Context, local *kvstore.Local) Settings {
	s := Defaults()
	raw, ok := local.GetDurable(ctx, kvstore.KeySettings)
	if !ok || strings.TrimSpace(raw) == "" {
		return s
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		log.Warn().Err(err).Str("component", "settings").Msg("ignoring corrupt settings")
		return Defaults()
	}
	d := Defaults()
	if s.Host == "" {
		s.Host = d.Host
	}
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.Theme == "" {
		s.Theme = d.Theme
	}
	return s
}

func Save(ctx context.Context, local *kvstore.Local, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal settings")
	}
	local.SetDurable(ctx, kvstore.KeySettings, string(b))
	return nil
}

// Update loads, patches and saves the settings, returning the result.
func Update(ctx context.Context, local *kvstore.Local, p Patch) (Settings, error) {
	s := Load(ctx, local).Apply(p)
	if err := Save(ctx, local, s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
