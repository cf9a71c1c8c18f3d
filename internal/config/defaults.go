package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPIPort            = 51070
	DefaultAPITimezone        = "America/New_York"
	DefaultTCPPort            = 50090
	DefaultHTTPPort           = 50080
	DefaultTimeout            = 15 * time.Second
	DefaultAccountTimeout     = 15 * time.Second
	DefaultAddSymbolTimeout   = 15 * time.Second
	DefaultOrderTimeout       = 30 * time.Second
	DefaultOrderStatusTimeout = 30 * time.Second
	DefaultPositionTimeout    = 20 * time.Second
	DefaultTimerTimeout       = 10 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
)

func (c *GatewayConfig) applyDefaults() {
	// API defaults
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.API.Timezone == "" {
		c.API.Timezone = DefaultAPITimezone
	}

	// Server defaults
	if c.Server.TCPPort == 0 {
		c.Server.TCPPort = DefaultTCPPort
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = DefaultHTTPPort
	}

	// Timeout defaults
	if c.Timeouts.Default == 0 {
		c.Timeouts.Default = DefaultTimeout
	}
	if c.Timeouts.Account == 0 {
		c.Timeouts.Account = DefaultAccountTimeout
	}
	if c.Timeouts.AddSymbol == 0 {
		c.Timeouts.AddSymbol = DefaultAddSymbolTimeout
	}
	if c.Timeouts.Order == 0 {
		c.Timeouts.Order = DefaultOrderTimeout
	}
	if c.Timeouts.OrderStatus == 0 {
		c.Timeouts.OrderStatus = DefaultOrderStatusTimeout
	}
	if c.Timeouts.Position == 0 {
		c.Timeouts.Position = DefaultPositionTimeout
	}
	if c.Timeouts.Timer == 0 {
		c.Timeouts.Timer = DefaultTimerTimeout
	}

	// Database defaults (only meaningful when a journal DB is configured)
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
}
