package config

import "github.com/MrWong99/omniflow/internal/catalog"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, audio
// and server address changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CatalogChanged bool
	CatalogChanges []ServiceDiff

	// DialerChanged is true when the agent voice, error reset delay, call
	// limit or transcription flag changed. Applied to the next call.
	DialerChanged bool

	GuideChanged bool
}

// ServiceDiff describes what changed for a single catalog entry.
type ServiceDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.DialerChanged = old.Dialer != new.Dialer
	d.GuideChanged = old.Guide != new.Guide

	oldSvc := indexServices(old.Catalog)
	newSvc := indexServices(new.Catalog)

	// Walk in config order so the result is deterministic.
	for _, s := range old.Catalog {
		n, ok := newSvc[s.ID]
		switch {
		case !ok:
			d.CatalogChanges = append(d.CatalogChanges, ServiceDiff{ID: s.ID, Removed: true})
		case n != s:
			d.CatalogChanges = append(d.CatalogChanges, ServiceDiff{ID: s.ID, Modified: true})
		}
	}
	for _, s := range new.Catalog {
		if _, ok := oldSvc[s.ID]; !ok {
			d.CatalogChanges = append(d.CatalogChanges, ServiceDiff{ID: s.ID, Added: true})
		}
	}
	d.CatalogChanged = len(d.CatalogChanges) > 0 || !sameOrder(old.Catalog, new.Catalog)

	return d
}

func indexServices(services []catalog.Service) map[string]catalog.Service {
	m := make(map[string]catalog.Service, len(services))
	for _, s := range services {
		m[s.ID] = s
	}
	return m
}

func sameOrder(a, b []catalog.Service) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
