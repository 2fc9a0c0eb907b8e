package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"peerpractice/internal/logger"
	dbconfig "peerpractice/pkg/database"
)

// EnvPrefix namespaces every environment variable the service reads
const EnvPrefix = "PEERPRACTICE_"

// How a long-polling caller learns about its pairing
const (
	WaitModePush = "push"
	WaitModePoll = "poll"
)

// Notification drivers
const (
	NotifyDriverLog   = "log"
	NotifyDriverRedis = "redis"
)

type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Matching  *MatchingConfig  `json:"matching"`
	Auth      *AuthConfig      `json:"auth"`
	Notify    *NotifyConfig    `json:"notify"`
	Log       *LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
	MigrationsPath string        `json:"migrations_path"`
	RetryDelay     time.Duration `json:"retry_delay"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Host            string        `json:"host"`

	// MatchRateLimit caps match-attempt calls per caller per minute
	MatchRateLimit int `json:"match_rate_limit"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// MatchingConfig tunes both matchers and the background sweeper
type MatchingConfig struct {
	Window               time.Duration `json:"window"`
	EstimatedWaitSeconds int           `json:"estimated_wait_seconds"`
	StatusLookback       time.Duration `json:"status_lookback"`
	QueueEntryTTL        time.Duration `json:"queue_entry_ttl"`
	PollInterval         time.Duration `json:"poll_interval"`
	WaitMode             string        `json:"wait_mode"`
	SweepInterval        time.Duration `json:"sweep_interval"`
	PendingGrace         time.Duration `json:"pending_grace"`
}

type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	Issuer    string        `json:"issuer"`
	TokenTTL  time.Duration `json:"token_ttl"`

	// Operators are user ids allowed to run diagnostics across all users
	Operators []string `json:"operators"`
}

type NotifyConfig struct {
	Driver        string `json:"driver"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisChannel  string `json:"redis_channel"`
	QueueSize     int    `json:"queue_size"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns settings suitable for a single-node deployment
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/peerpractice.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
			MigrationsPath: "./migrations",
			RetryDelay:     500 * time.Millisecond,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Host:            "0.0.0.0",
			MatchRateLimit:  60,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Matching: &MatchingConfig{
			Window:               time.Hour,
			EstimatedWaitSeconds: 30,
			StatusLookback:       10 * time.Minute,
			QueueEntryTTL:        30 * time.Minute,
			PollInterval:         3 * time.Second,
			WaitMode:             WaitModePush,
			SweepInterval:        5 * time.Minute,
			PendingGrace:         15 * time.Minute,
		},
		Auth: &AuthConfig{
			JWTSecret: "peerpractice-dev-secret-change-me",
			Issuer:    "peerpractice",
			TokenTTL:  24 * time.Hour,
		},
		Notify: &NotifyConfig{
			Driver:       NotifyDriverLog,
			RedisAddr:    "localhost:6379",
			RedisChannel: "peerpractice:notifications",
			QueueSize:    256,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.MigrationsPath == "" {
		return fmt.Errorf("database migrations path cannot be empty")
	}
	if c.Database.RetryDelay < 0 {
		return fmt.Errorf("database retry delay cannot be negative")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.MatchRateLimit <= 0 {
		return fmt.Errorf("HTTP match rate limit must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than read timeout")
	}

	if c.Matching == nil {
		return fmt.Errorf("matching configuration is required")
	}
	if c.Matching.Window <= 0 {
		return fmt.Errorf("matching window must be positive")
	}
	if c.Matching.EstimatedWaitSeconds < 0 {
		return fmt.Errorf("estimated wait cannot be negative")
	}
	if c.Matching.StatusLookback <= 0 {
		return fmt.Errorf("status lookback must be positive")
	}
	if c.Matching.QueueEntryTTL <= 0 {
		return fmt.Errorf("queue entry TTL must be positive")
	}
	if c.Matching.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Matching.WaitMode != WaitModePush && c.Matching.WaitMode != WaitModePoll {
		return fmt.Errorf("wait mode must be %q or %q", WaitModePush, WaitModePoll)
	}
	if c.Matching.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Matching.PendingGrace < 0 {
		return fmt.Errorf("pending grace cannot be negative")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("JWT secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}

	if c.Notify == nil {
		return fmt.Errorf("notify configuration is required")
	}
	switch c.Notify.Driver {
	case NotifyDriverLog:
	case NotifyDriverRedis:
		if c.Notify.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis notify driver")
		}
		if c.Notify.RedisChannel == "" {
			return fmt.Errorf("redis channel is required for the redis notify driver")
		}
	default:
		return fmt.Errorf("unknown notify driver %q", c.Notify.Driver)
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify queue size must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}

	return nil
}

// StoreConfig converts the database section into the store's own config
func (c *Config) StoreConfig() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.DatabasePath = c.Database.Path
	store.MaxConnections = c.Database.MaxConnections
	store.MigrationsPath = c.Database.MigrationsPath
	store.WriteTimeout = c.Database.Timeout
	store.RetryDelay = c.Database.RetryDelay
	return store
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

// Unparseable values keep the current setting
func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envList splits a comma-separated value, dropping empty items
func envList(name string, dst *[]string) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	items := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadFromEnv overlays PEERPRACTICE_* environment variables on the defaults
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)
	envString("DATABASE_MIGRATIONS_PATH", &config.Database.MigrationsPath)
	envDuration("DATABASE_RETRY_DELAY", &config.Database.RetryDelay)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)
	envInt("HTTP_MATCH_RATE_LIMIT", &config.HTTP.MatchRateLimit)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envDuration("MATCHING_WINDOW", &config.Matching.Window)
	envInt("MATCHING_ESTIMATED_WAIT_SECONDS", &config.Matching.EstimatedWaitSeconds)
	envDuration("MATCHING_STATUS_LOOKBACK", &config.Matching.StatusLookback)
	envDuration("MATCHING_QUEUE_ENTRY_TTL", &config.Matching.QueueEntryTTL)
	envDuration("MATCHING_POLL_INTERVAL", &config.Matching.PollInterval)
	envString("MATCHING_WAIT_MODE", &config.Matching.WaitMode)
	envDuration("MATCHING_SWEEP_INTERVAL", &config.Matching.SweepInterval)
	envDuration("MATCHING_PENDING_GRACE", &config.Matching.PendingGrace)

	envString("AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	envString("AUTH_ISSUER", &config.Auth.Issuer)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)
	envList("AUTH_OPERATORS", &config.Auth.Operators)

	envString("NOTIFY_DRIVER", &config.Notify.Driver)
	envString("NOTIFY_REDIS_ADDR", &config.Notify.RedisAddr)
	envString("NOTIFY_REDIS_PASSWORD", &config.Notify.RedisPassword)
	envInt("NOTIFY_REDIS_DB", &config.Notify.RedisDB)
	envString("NOTIFY_REDIS_CHANNEL", &config.Notify.RedisChannel)
	envInt("NOTIFY_QUEUE_SIZE", &config.Notify.QueueSize)

	envString("LOG_LEVEL", &config.Log.Level)
}

// ConfigFile is the JSON shape on disk. Durations are strings such as "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Matching  *MatchingConfigFile  `json:"matching"`
	Auth      *AuthConfigFile      `json:"auth"`
	Notify    *NotifyConfig        `json:"notify"`
	Log       *LogConfig           `json:"log"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path"`
	Timeout        string `json:"timeout"`
	MaxConnections int    `json:"max_connections"`
	MigrationsPath string `json:"migrations_path"`
	RetryDelay     string `json:"retry_delay"`
}

type HTTPConfigFile struct {
	Port            int    `json:"port"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
	Host            string `json:"host"`
	MatchRateLimit  int    `json:"match_rate_limit"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type MatchingConfigFile struct {
	Window               string `json:"window"`
	EstimatedWaitSeconds *int   `json:"estimated_wait_seconds"`
	StatusLookback       string `json:"status_lookback"`
	QueueEntryTTL        string `json:"queue_entry_ttl"`
	PollInterval         string `json:"poll_interval"`
	WaitMode             string `json:"wait_mode"`
	SweepInterval        string `json:"sweep_interval"`
	PendingGrace         string `json:"pending_grace"`
}

type AuthConfigFile struct {
	JWTSecret string   `json:"jwt_secret"`
	Issuer    string   `json:"issuer"`
	TokenTTL  string   `json:"token_ttl"`
	Operators []string `json:"operators"`
}

// LoadFromFile reads a JSON config file over the defaults and validates the result
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs []error
	duration := func(field, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	str := func(value string, dst *string) {
		if value != "" {
			*dst = value
		}
	}
	positive := func(value int, dst *int) {
		if value > 0 {
			*dst = value
		}
	}

	if f := file.Database; f != nil {
		str(f.Path, &config.Database.Path)
		duration("database.timeout", f.Timeout, &config.Database.Timeout)
		positive(f.MaxConnections, &config.Database.MaxConnections)
		str(f.MigrationsPath, &config.Database.MigrationsPath)
		duration("database.retry_delay", f.RetryDelay, &config.Database.RetryDelay)
	}
	if f := file.HTTP; f != nil {
		positive(f.Port, &config.HTTP.Port)
		str(f.Host, &config.HTTP.Host)
		duration("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
		duration("http.shutdown_timeout", f.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
		positive(f.MatchRateLimit, &config.HTTP.MatchRateLimit)
	}
	if f := file.WebSocket; f != nil {
		positive(f.BufferSize, &config.WebSocket.BufferSize)
		duration("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
	}
	if f := file.Matching; f != nil {
		duration("matching.window", f.Window, &config.Matching.Window)
		if f.EstimatedWaitSeconds != nil {
			config.Matching.EstimatedWaitSeconds = *f.EstimatedWaitSeconds
		}
		duration("matching.status_lookback", f.StatusLookback, &config.Matching.StatusLookback)
		duration("matching.queue_entry_ttl", f.QueueEntryTTL, &config.Matching.QueueEntryTTL)
		duration("matching.poll_interval", f.PollInterval, &config.Matching.PollInterval)
		str(f.WaitMode, &config.Matching.WaitMode)
		duration("matching.sweep_interval", f.SweepInterval, &config.Matching.SweepInterval)
		duration("matching.pending_grace", f.PendingGrace, &config.Matching.PendingGrace)
	}
	if f := file.Auth; f != nil {
		str(f.JWTSecret, &config.Auth.JWTSecret)
		str(f.Issuer, &config.Auth.Issuer)
		duration("auth.token_ttl", f.TokenTTL, &config.Auth.TokenTTL)
		if len(f.Operators) > 0 {
			config.Auth.Operators = f.Operators
		}
	}
	if f := file.Notify; f != nil {
		str(f.Driver, &config.Notify.Driver)
		str(f.RedisAddr, &config.Notify.RedisAddr)
		str(f.RedisPassword, &config.Notify.RedisPassword)
		if f.RedisDB > 0 {
			config.Notify.RedisDB = f.RedisDB
		}
		str(f.RedisChannel, &config.Notify.RedisChannel)
		positive(f.QueueSize, &config.Notify.QueueSize)
	}
	if f := file.Log; f != nil {
		str(f.Level, &config.Log.Level)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid durations in %s: %w", filepath, errors.Join(errs...))
	}
	return nil
}

// LoadConfigWithPrecedence layers file > environment > .env > defaults.
// A missing .env or config file is not an error; a malformed one is logged
// and skipped so the service still starts on the remaining layers.
func LoadConfigWithPrecedence(filepath string) *Config {
	// godotenv never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Logger.WithError(err).Warn("Failed to load .env file")
	}

	config := LoadFromEnv()

	if filepath != "" {
		candidate := LoadFromEnv()
		if err := applyFile(candidate, filepath); err != nil {
			logger.Logger.WithError(err).WithField("path", filepath).Warn("Ignoring config file")
		} else if err := candidate.Validate(); err != nil {
			logger.Logger.WithError(err).WithField("path", filepath).Warn("Ignoring invalid config file")
		} else {
			config = candidate
		}
	}

	return config
}
