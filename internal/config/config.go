// Package config provides the configuration schema and loader for the yasha
// player daemon.
//
// Configuration is read from YAML and may be overridden from the environment
// (YASHA_* variables, optionally loaded from a .env file) so that secrets such
// as the Discord token need not live in the file.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server" env:",prefix=SERVER_"`
	Discord DiscordConfig `yaml:"discord" env:",prefix=DISCORD_"`
	Voice   VoiceConfig   `yaml:"voice" env:",prefix=VOICE_"`
	Player  PlayerConfig  `yaml:"player" env:",prefix=PLAYER_"`
	Decoder DecoderConfig `yaml:"decoder" env:",prefix=DECODER_"`
	Sources SourcesConfig `yaml:"sources" env:",prefix=SOURCES_"`
}

// ServerConfig holds the HTTP listener for metrics and health probes and the
// logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`
}

// DiscordConfig identifies the bot and the voice channel it joins.
type DiscordConfig struct {
	// Token is the bot token. Prefer YASHA_DISCORD_TOKEN over the file.
	Token string `yaml:"token" env:"TOKEN"`

	GuildID   string `yaml:"guild_id" env:"GUILD_ID"`
	ChannelID string `yaml:"channel_id" env:"CHANNEL_ID"`

	SelfDeaf bool `yaml:"self_deaf" env:"SELF_DEAF"`
	SelfMute bool `yaml:"self_mute" env:"SELF_MUTE"`

	// ReceiveAudio asks the voice server to forward other members' audio.
	ReceiveAudio bool `yaml:"receive_audio" env:"RECEIVE_AUDIO"`
}

// VoiceConfig tunes voice connections.
type VoiceConfig struct {
	// ConnectTimeout bounds the wait for a connection to become ready.
	// Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// PlayerConfig holds playback defaults.
type PlayerConfig struct {
	// NormalizeVolume applies per-track loudness normalisation.
	NormalizeVolume bool `yaml:"normalize_volume" env:"NORMALIZE_VOLUME"`

	// ExternalEncrypt lets the decoder seal packets for a single connection.
	ExternalEncrypt bool `yaml:"external_encrypt" env:"EXTERNAL_ENCRYPT"`

	// ExternalPacketSend additionally lets the decoder send sealed packets
	// straight to the voice server. Requires ExternalEncrypt.
	ExternalPacketSend bool `yaml:"external_packet_send" env:"EXTERNAL_PACKET_SEND"`

	// Bitrate is the Opus encoder bitrate in bits per second. Default: 256000.
	Bitrate int `yaml:"bitrate" env:"BITRATE"`

	// Volume is the initial playback volume, 1 being unity gain. Default: 1.
	Volume float64 `yaml:"volume" env:"VOLUME"`
}

// DecoderConfig configures the ffmpeg decoder.
type DecoderConfig struct {
	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`

	// Reconnect lets ffmpeg reconnect dropped network streams.
	Reconnect bool `yaml:"reconnect" env:"RECONNECT"`
}

// SourcesConfig configures the platform sources.
type SourcesConfig struct {
	SoundCloud SoundCloudConfig `yaml:"soundcloud" env:",prefix=SOUNDCLOUD_"`
	Match      MatchConfig      `yaml:"match" env:",prefix=MATCH_"`
}

// SoundCloudConfig configures the SoundCloud source.
type SoundCloudConfig struct {
	// ClientID overrides the public web player client id.
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`

	// BaseURL overrides the API root.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// MatchConfig tunes cross-platform track matching.
type MatchConfig struct {
	// Threshold is the minimum score for music search results. Default: 0.5.
	Threshold float64 `yaml:"threshold" env:"THRESHOLD"`

	// LooseThreshold is the minimum score for general search results.
	// Default: 1/3.
	LooseThreshold float64 `yaml:"loose_threshold" env:"LOOSE_THRESHOLD"`

	// ArtistSimilarity is the Jaro-Winkler similarity at which artist names
	// are considered equal. Default: 0.92.
	ArtistSimilarity float64 `yaml:"artist_similarity" env:"ARTIST_SIMILARITY"`
}
