package config

import "time"

// GatewayConfig is the root configuration for a gateway instance.
type GatewayConfig struct {
	API      APIConfig      `yaml:"api"`
	Server   ServerConfig   `yaml:"server"`
	Features FeaturesConfig `yaml:"features"`
	Logging  LoggingConfig  `yaml:"logging"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Database DBConfig       `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
}

// APIConfig holds upstream RTX gateway settings.
type APIConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timezone string `yaml:"timezone"` // feed timezone, e.g. America/New_York
	Route    string `yaml:"route"`    // default order route (EXIT_VEHICLE)
}

// ServerConfig holds the downstream client-facing listeners.
type ServerConfig struct {
	TCPPort  int `yaml:"tcp_port"`
	HTTPPort int `yaml:"http_port"`
}

// FeaturesConfig toggles optional market data behavior.
type FeaturesConfig struct {
	Ticker      bool `yaml:"ticker"`       // emit quote/trade ticks
	HighLow     bool `yaml:"high_low"`     // subscribe HIGH_1/LOW_1
	SecondsTick bool `yaml:"seconds_tick"` // poll $TIME once per second
}

// LoggingConfig toggles message tracing.
type LoggingConfig struct {
	APIMessages      bool `yaml:"api_messages"`
	DebugAPIMessages bool `yaml:"debug_api_messages"`
	ClientMessages   bool `yaml:"client_messages"`
	OrderUpdates     bool `yaml:"order_updates"`
}

// TimeoutsConfig holds per-label callback deadlines.
type TimeoutsConfig struct {
	Default     time.Duration `yaml:"default"`
	Account     time.Duration `yaml:"account"`
	AddSymbol   time.Duration `yaml:"addsymbol"`
	Order       time.Duration `yaml:"order"`
	OrderStatus time.Duration `yaml:"orderstatus"`
	Position    time.Duration `yaml:"position"`
	Timer       time.Duration `yaml:"timer"`
}

// DBConfig holds the optional audit journal database connection.
// When Host is empty the journal is disabled.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// JournalConfig holds audit journal batching settings.
type JournalConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Enabled reports whether a journal database was configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}
