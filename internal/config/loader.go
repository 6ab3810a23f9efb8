package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. YASHA_DISCORD_TOKEN.
const EnvPrefix = "YASHA_"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":9090"
	DefaultConnectTimeout   = 10 * time.Second
	DefaultBitrate          = 256000
	DefaultFFmpegPath       = "ffmpeg"
	DefaultThreshold        = 1.0 / 2
	DefaultLooseThreshold   = 1.0 / 3
	DefaultArtistSimilarity = 0.92
)

const (
	minBitrate = 500
	maxBitrate = 512000
	maxVolume  = 5
)

// Load reads the YAML configuration file at path, overlays YASHA_* variables
// from the process environment, applies defaults and validates the result.
// An empty path starts from an empty configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		cfg, err = Decode(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(context.Background(), cfg, envconfig.OsLookuper()); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses YAML from r, rejecting unknown fields. An empty document
// yields an empty config.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays YASHA_* variables found by l onto cfg. Variables that
// are not set leave the corresponding field untouched.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, l),
		DefaultOverwrite: true,
	})
	if err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Voice.ConnectTimeout == 0 {
		cfg.Voice.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Player.Bitrate == 0 {
		cfg.Player.Bitrate = DefaultBitrate
	}
	if cfg.Player.Volume == 0 {
		cfg.Player.Volume = 1
	}
	if cfg.Decoder.FFmpegPath == "" {
		cfg.Decoder.FFmpegPath = DefaultFFmpegPath
	}
	m := &cfg.Sources.Match
	if m.Threshold == 0 {
		m.Threshold = DefaultThreshold
	}
	if m.LooseThreshold == 0 {
		m.LooseThreshold = DefaultLooseThreshold
	}
	if m.ArtistSimilarity == 0 {
		m.ArtistSimilarity = DefaultArtistSimilarity
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required (or set %sDISCORD_TOKEN)", EnvPrefix))
	}

	// Voice
	if cfg.Voice.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.connect_timeout %s must not be negative", cfg.Voice.ConnectTimeout))
	}

	// Player
	if cfg.Player.ExternalPacketSend && !cfg.Player.ExternalEncrypt {
		errs = append(errs, errors.New("player.external_packet_send requires player.external_encrypt"))
	}
	if b := cfg.Player.Bitrate; b != 0 && (b < minBitrate || b > maxBitrate) {
		errs = append(errs, fmt.Errorf("player.bitrate %d is out of range [%d, %d]", b, minBitrate, maxBitrate))
	}
	if v := cfg.Player.Volume; v < 0 || v > maxVolume {
		errs = append(errs, fmt.Errorf("player.volume %.2f is out of range [0, %d]", v, maxVolume))
	}

	// Sources
	if raw := cfg.Sources.SoundCloud.BaseURL; raw != "" {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("sources.soundcloud.base_url %q must be an absolute URL", raw))
		}
	}
	m := cfg.Sources.Match
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"threshold", m.Threshold},
		{"loose_threshold", m.LooseThreshold},
		{"artist_similarity", m.ArtistSimilarity},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("sources.match.%s %.2f is out of range [0, 1]", f.name, f.v))
		}
	}

	return errors.Join(errs...)
}
