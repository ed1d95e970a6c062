package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
// Every key the daemon consumes must be present; absence is fatal.
func (c *Config) Validate() error {
	if len(c.Regions) == 0 {
		return errors.New("regions is required")
	}
	seen := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.Name == "" {
			return errors.New("regions[].name is required")
		}
		if seen[r.Name] {
			return fmt.Errorf("region %q defined twice", r.Name)
		}
		seen[r.Name] = true
		if r.Server == "" {
			return fmt.Errorf("region %q: server is required", r.Name)
		}
		if r.Port < 1 || r.Port > 65535 {
			return fmt.Errorf("region %q: port must be between 1 and 65535, got %d", r.Name, r.Port)
		}
		if r.LoginQueueURL == "" {
			return fmt.Errorf("region %q: login_queue_url is required", r.Name)
		}
	}

	if len(c.Client.Accounts) == 0 {
		return errors.New("client.accounts is required")
	}
	for key, acct := range c.Client.Accounts {
		if acct.Username == "" {
			return fmt.Errorf("client.accounts.%s.username is required", key)
		}
		if acct.Password == "" {
			return fmt.Errorf("client.accounts.%s.password is required", key)
		}
		if !seen[acct.Region] {
			return fmt.Errorf("client.accounts.%s.region %q is not a defined region", key, acct.Region)
		}
	}

	if c.Client.Request.Timeout <= 0 {
		return errors.New("client.request.timeout is required")
	}
	if c.Client.Request.OverloadAvailable <= 0 {
		return errors.New("client.request.overload_available is required")
	}

	if c.Client.Async.Enabled {
		if c.Client.Async.Redis.Host == "" {
			return errors.New("client.async.redis.host is required when async is enabled")
		}
		if c.Client.Async.Redis.Port < 1 || c.Client.Async.Redis.Port > 65535 {
			return fmt.Errorf("client.async.redis.port must be between 1 and 65535, got %d", c.Client.Async.Redis.Port)
		}
	}

	if c.Cache.Path == "" {
		return errors.New("cache.path is required")
	}

	return nil
}
