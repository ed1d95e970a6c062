// Package config defines the daemon configuration surface and its
// loader: YAML with environment expansion, defaults, and validation.
package config

import "time"

// Config is the root configuration for a pool-manager instance.
type Config struct {
	Regions []Region      `yaml:"regions"`
	Client  ClientConfig  `yaml:"client"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// Region identifies one backend deployment. Loaded once, shared by every
// client that references it.
type Region struct {
	Name          string `yaml:"name"`
	Server        string `yaml:"server"`
	Port          int    `yaml:"port"`
	LoginQueueURL string `yaml:"login_queue_url"`
}

// ClientConfig holds account and request settings.
type ClientConfig struct {
	Version           string                   `yaml:"version"`
	Accounts          map[string]AccountConfig `yaml:"accounts"`
	Async             AsyncConfig              `yaml:"async"`
	Request           RequestConfig            `yaml:"request"`
	HeartbeatInterval time.Duration            `yaml:"heartbeat_interval"`
}

// AccountConfig is one set of credentials bound to a region.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Region   string `yaml:"region"`
}

// AsyncConfig enables the multi-client-per-region mode backed by a shared
// redis cache.
type AsyncConfig struct {
	Enabled bool        `yaml:"enabled"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig locates the shared cache.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RequestConfig holds per-request limits.
type RequestConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	OverloadAvailable time.Duration `yaml:"overload_available"`
}

// CacheConfig holds the PID-registry directory.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Region resolves a region by unique name.
func (c *Config) Region(name string) (*Region, bool) {
	for i := range c.Regions {
		if c.Regions[i].Name == name {
			return &c.Regions[i], true
		}
	}
	return nil, false
}
