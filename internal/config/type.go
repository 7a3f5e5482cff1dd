package config

type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	NATSURL  string `mapstructure:"nats_url"`
	RedisURL string `mapstructure:"redis_url"`

	// Client channel settings; intervals in milliseconds.
	HeartbeatIntervalMS  int `mapstructure:"heartbeat_interval_ms"`
	ReconnectIntervalMS  int `mapstructure:"reconnect_interval_ms"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
}
