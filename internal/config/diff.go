package config

// ConfigDiff describes what changed between two configs. Voice and log
// settings can be hot-reloaded; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when the greeting, fallback reply, or system
	// prompt changed. New sessions pick the new values up immediately.
	VoiceChanged bool

	// RestartRequired is true when server, gateway, provider, or CRM
	// settings changed. Those are bound at startup.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		tlsChanged(old.Server.TLS, new.Server.TLS) ||
		old.Gateway != new.Gateway ||
		old.Providers != new.Providers ||
		old.CRM != new.CRM {
		d.RestartRequired = true
	}

	return d
}

func tlsChanged(old, new *TLSConfig) bool {
	if (old == nil) != (new == nil) {
		return true
	}
	if old == nil {
		return false
	}
	return *old != *new
}
