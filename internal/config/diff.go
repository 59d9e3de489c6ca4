package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only sections that
// can be applied without a restart are tracked; everything else needs one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged applies to sessions opened after the reload.
	TurnChanged bool

	// FilterChanged rebuilds the transcript filter shared by new sessions.
	FilterChanged bool

	// RealtimeChanged applies to upstream connections dialled after the reload.
	RealtimeChanged bool

	// RestartRequired is set when a field outside the hot-reloadable
	// sections changed (listen address, TLS, store, telemetry).
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return d == ConfigDiff{}
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TurnChanged = !reflect.DeepEqual(old.Turn, new.Turn)
	d.FilterChanged = !reflect.DeepEqual(old.Filter, new.Filter)
	d.RealtimeChanged = !reflect.DeepEqual(old.Realtime, new.Realtime)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	d.RestartRequired = !reflect.DeepEqual(oldServer, newServer) ||
		!reflect.DeepEqual(old.Store, new.Store) ||
		!reflect.DeepEqual(old.Telemetry, new.Telemetry) ||
		!reflect.DeepEqual(old.Analysis, new.Analysis)

	return d
}
