package config

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; changes to anything that
// is only read at startup are listed in Restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	BitrateChanged bool
	NewBitrate     int

	// Restart names the changed settings that take effect only after a
	// restart, e.g. "discord.token".
	Restart []string
}

// Changed reports whether any setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VolumeChanged || d.BitrateChanged || len(d.Restart) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Player.Volume != new.Player.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Player.Volume
	}
	if old.Player.Bitrate != new.Player.Bitrate {
		d.BitrateChanged = true
		d.NewBitrate = new.Player.Bitrate
	}

	restart := func(name string, changed bool) {
		if changed {
			d.Restart = append(d.Restart, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("discord", old.Discord != new.Discord)
	restart("voice.connect_timeout", old.Voice.ConnectTimeout != new.Voice.ConnectTimeout)
	restart("player.normalize_volume", old.Player.NormalizeVolume != new.Player.NormalizeVolume)
	restart("player.external_encrypt", old.Player.ExternalEncrypt != new.Player.ExternalEncrypt)
	restart("player.external_packet_send", old.Player.ExternalPacketSend != new.Player.ExternalPacketSend)
	restart("decoder", old.Decoder != new.Decoder)
	restart("sources", old.Sources != new.Sources)

	return d
}
