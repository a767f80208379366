package gridengine

import "time"

// Config holds the lifecycle settings of one grid engine
type Config struct {
	// Key signs mutating venue calls. Required unless DryRun is set.
	Key    string
	DryRun bool

	ConnectTimeout  time.Duration
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	return c
}
