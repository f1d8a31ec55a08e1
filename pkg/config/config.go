package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"callengine/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	minJWTSecretLength = 16
	maxJWTSecretLength = 512
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendBuffer      int           `yaml:"send_buffer"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Agent struct {
		UserID    string `yaml:"user_id"`
		SignalURL string `yaml:"signal_url"`
		// Token is presented to the relay; when empty one is minted from auth.jwt_secret.
		Token       string `yaml:"token"`
		InboundSize int    `yaml:"inbound_size"`
	} `yaml:"agent"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		// IncludeLoopback lets agents on one host reach each other over 127.0.0.1.
		IncludeLoopback bool `yaml:"include_loopback"`
	} `yaml:"webrtc"`

	Call struct {
		InviteTimeout    time.Duration `yaml:"invite_timeout"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		BusyPolicy       string        `yaml:"busy_policy"`
		DedupTTL         time.Duration `yaml:"dedup_ttl"`
		MailboxSize      int           `yaml:"mailbox_size"`
	} `yaml:"call"`

	Reconnect struct {
		Grace        time.Duration `yaml:"grace"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		MaxAttempts  int           `yaml:"max_attempts"`
		Jitter       bool          `yaml:"jitter"`
	} `yaml:"reconnect"`

	Quality struct {
		Interval        time.Duration `yaml:"interval"`
		Window          int           `yaml:"window"`
		CriticalSamples int           `yaml:"critical_samples"`
	} `yaml:"quality"`

	ScreenShare struct {
		AllowConcurrent bool          `yaml:"allow_concurrent"`
		Takeover        bool          `yaml:"takeover"`
		ClockSkew       time.Duration `yaml:"clock_skew"`
	} `yaml:"screen_share"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		// PresenceRefresh is how often the relay renews redis presence keys.
		PresenceRefresh time.Duration `yaml:"presence_refresh"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled       bool          `yaml:"enabled"`
		Address       string        `yaml:"address"`
		Password      string        `yaml:"password"`
		DB            int           `yaml:"db"`
		PoolSize      int           `yaml:"pool_size"`
		EventsChannel string        `yaml:"events_channel"`
		RecordTTL     time.Duration `yaml:"record_ttl"`
	} `yaml:"redis"`

	Backup struct {
		Enabled       bool          `yaml:"enabled"`
		Directory     string        `yaml:"directory"`
		Interval      time.Duration `yaml:"interval"`
		RetentionDays int           `yaml:"retention_days"`
		MaxRecords    int           `yaml:"max_records"`
		RestoreOnBoot bool          `yaml:"restore_on_boot"`
	} `yaml:"backup"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Agent
	if err := validation.ValidateURL(c.Agent.SignalURL); err != nil {
		return fmt.Errorf("agent.signal_url: %w", err)
	}
	if c.Agent.UserID != "" {
		if err := validation.ValidateUserID(c.Agent.UserID); err != nil {
			return fmt.Errorf("agent.user_id: %w", err)
		}
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Call
	if c.Call.InviteTimeout <= 0 {
		return fmt.Errorf("call.invite_timeout must be > 0")
	}
	if c.Call.OperationTimeout <= 0 {
		return fmt.Errorf("call.operation_timeout must be > 0")
	}
	if c.Call.BusyPolicy != "queue" && c.Call.BusyPolicy != "reject" {
		return fmt.Errorf("call.busy_policy must be queue or reject, got %q", c.Call.BusyPolicy)
	}
	if c.Call.DedupTTL <= 0 {
		return fmt.Errorf("call.dedup_ttl must be > 0")
	}
	if c.Call.MailboxSize <= 0 {
		return fmt.Errorf("call.mailbox_size must be > 0")
	}

	// Reconnect
	if c.Reconnect.Grace < 0 {
		return fmt.Errorf("reconnect.grace must be >= 0")
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}

	// Quality
	if c.Quality.Interval <= 0 {
		return fmt.Errorf("quality.interval must be > 0")
	}
	if c.Quality.Window <= 0 {
		return fmt.Errorf("quality.window must be > 0")
	}
	if c.Quality.CriticalSamples <= 0 || c.Quality.CriticalSamples > c.Quality.Window {
		return fmt.Errorf("quality.critical_samples must be in 1..quality.window")
	}

	if c.ScreenShare.ClockSkew < 0 {
		return fmt.Errorf("screen_share.clock_skew must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PresenceRefresh <= 0 {
		return fmt.Errorf("monitoring.presence_refresh must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.EventsChannel == "" {
			return fmt.Errorf("redis.events_channel must not be empty when redis.enabled=true")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.RetentionDays <= 0 {
			return fmt.Errorf("backup.retention_days must be > 0 when backup.enabled=true")
		}
	}

	// Auth
	if err := validation.ValidateNonEmptyString(c.Auth.JWTSecret, "auth.jwt_secret"); err != nil {
		return err
	}
	if err := validation.ValidateStringLength(c.Auth.JWTSecret, minJWTSecretLength, maxJWTSecretLength, "auth.jwt_secret"); err != nil {
		return err
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first existing path, falling back to defaults.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", cfg.Validate()
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 256
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Agent.SignalURL = "ws://localhost:8081/ws"
	cfg.Agent.InboundSize = 256

	cfg.Call.InviteTimeout = 30 * time.Second
	cfg.Call.OperationTimeout = 10 * time.Second
	cfg.Call.BusyPolicy = "queue"
	cfg.Call.DedupTTL = 2 * time.Minute
	cfg.Call.MailboxSize = 256

	cfg.Reconnect.Grace = 2 * time.Second
	cfg.Reconnect.InitialDelay = time.Second
	cfg.Reconnect.MaxDelay = 8 * time.Second
	cfg.Reconnect.Multiplier = 2
	cfg.Reconnect.MaxAttempts = 3

	cfg.Quality.Interval = 3 * time.Second
	cfg.Quality.Window = 10
	cfg.Quality.CriticalSamples = 3

	cfg.ScreenShare.ClockSkew = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PresenceRefresh = time.Minute

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventsChannel = "callengine:events"
	cfg.Redis.RecordTTL = 30 * 24 * time.Hour

	cfg.Backup.Enabled = false
	cfg.Backup.Directory = "./data/backups"
	cfg.Backup.Interval = time.Hour
	cfg.Backup.RetentionDays = 7
	cfg.Backup.MaxRecords = 1000
	cfg.Backup.RestoreOnBoot = true

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "callengine"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLENGINE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("CALLENGINE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if user := os.Getenv("CALLENGINE_USER_ID"); user != "" {
		c.Agent.UserID = user
	}
	if url := os.Getenv("CALLENGINE_SIGNAL_URL"); url != "" {
		c.Agent.SignalURL = url
	}
	if token := os.Getenv("CALLENGINE_TOKEN"); token != "" {
		c.Agent.Token = token
	}
	if level := os.Getenv("CALLENGINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CALLENGINE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if policy := os.Getenv("CALLENGINE_BUSY_POLICY"); policy != "" {
		c.Call.BusyPolicy = policy
	}
	if addr := os.Getenv("CALLENGINE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if dir := os.Getenv("CALLENGINE_BACKUP_DIR"); dir != "" {
		c.Backup.Directory = dir
		c.Backup.Enabled = true
	}
	if v := os.Getenv("CALLENGINE_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
