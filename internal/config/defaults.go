package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRegionPort        = 2099
	DefaultHeartbeatInterval = 300 * time.Second
	DefaultRedisPort         = 6379
	DefaultLogLevel          = "info"
)

func (c *Config) applyDefaults() {
	for i := range c.Regions {
		if c.Regions[i].Port == 0 {
			c.Regions[i].Port = DefaultRegionPort
		}
	}
	if c.Client.HeartbeatInterval == 0 {
		c.Client.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Client.Async.Enabled && c.Client.Async.Redis.Port == 0 {
		c.Client.Async.Redis.Port = DefaultRedisPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}
