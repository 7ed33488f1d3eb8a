package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else is only
// named in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxConnectionsChanged bool
	NewMaxConnections     int

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MaxConnectionsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.MaxConnections != new.Server.MaxConnections {
		d.MaxConnectionsChanged = true
		d.NewMaxConnections = new.Server.MaxConnections
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Live != new.Live {
		d.RestartRequired = append(d.RestartRequired, "live")
	}
	if !sameVAD(old.VAD, new.VAD) {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Forms != new.Forms {
		d.RestartRequired = append(d.RestartRequired, "forms")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	return d
}

func sameVAD(a, b VADConfig) bool {
	if a.Name != b.Name {
		return false
	}
	if a.Aggressiveness == nil || b.Aggressiveness == nil {
		return a.Aggressiveness == b.Aggressiveness
	}
	return *a.Aggressiveness == *b.Aggressiveness
}
