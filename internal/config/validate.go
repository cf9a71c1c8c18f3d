package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *GatewayConfig) Validate() error {
	if c.API.Host == "" {
		return errors.New("api.host is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.API.Route == "" {
		return errors.New("api.route is required")
	}

	if c.Server.TCPPort < 1 || c.Server.TCPPort > 65535 {
		return fmt.Errorf("server.tcp_port must be between 1 and 65535, got %d", c.Server.TCPPort)
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.HTTPPort)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
