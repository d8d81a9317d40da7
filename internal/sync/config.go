// Package sync wires the bridge components together and runs them.
package sync

import (
	"time"

	"github.com/cybertec-postgresql/books_bridge/internal/ingest"
)

// Config is the runtime configuration of the Service
type Config struct {
	// Listen is the HTTP address, empty disables the API server
	Listen string
	// SettingsFile seeds the etcd settings key when it is empty
	SettingsFile string
	// SettingsKey is the etcd key name below the DSN prefix
	SettingsKey   string
	DrainInterval time.Duration
	BatchSize     int
	// LockTTL is the lifetime in seconds of the drain lock after its holder died
	LockTTL int
}

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	if c.SettingsKey == "" {
		c.SettingsKey = "settings"
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = ingest.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30
	}
	return c
}
