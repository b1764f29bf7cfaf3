package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/resonance/internal/events"
	"github.com/Tyrowin/resonance/internal/history"
	"github.com/Tyrowin/resonance/internal/logging"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultRateBurst       = 5
	defaultRateInterval    = time.Second
	defaultSendQueueSize   = 256
	defaultTypingWindow    = 400 * time.Millisecond
	defaultShutdownTimeout = 10 * time.Second
	defaultHistoryDSN      = "data/chat.sqlite"
	defaultJWTAlgorithm    = "HS256"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// AuthConfig holds the token verification settings.
type AuthConfig struct {
	Secret    string
	Algorithm string
	Issuer    string
}

// HistoryConfig selects the message store backend.
type HistoryConfig struct {
	Backend string
	DSN     string
}

// NATSConfig enables publishing of persisted messages when URL is set.
type NATSConfig struct {
	URL     string
	Subject string
}

// LogConfig controls the zap logger built in main.
type LogConfig struct {
	Level  string
	Format string
}

// Config holds the gateway configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// SendQueueSize bounds each session's outbound queue. A session whose
	// queue is full is disconnected as a slow consumer.
	SendQueueSize int

	// TypingWindow is how long a typing signal stays active without renewal.
	TypingWindow time.Duration
	// TypingStoppedEvents pushes typing_stopped when a signal expires.
	TypingStoppedEvents bool

	ShutdownTimeout time.Duration

	// MaxConnections caps concurrently open TCP connections; 0 means no cap.
	MaxConnections int

	Auth    AuthConfig
	History HistoryConfig
	NATS    NATSConfig
	Log     LogConfig
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRateInterval,
		},
		SendQueueSize:       defaultSendQueueSize,
		TypingWindow:        defaultTypingWindow,
		TypingStoppedEvents: true,
		ShutdownTimeout:     defaultShutdownTimeout,
		Auth: AuthConfig{
			Algorithm: defaultJWTAlgorithm,
		},
		History: HistoryConfig{
			Backend: history.BackendSQLite,
			DSN:     defaultHistoryDSN,
		},
		NATS: NATSConfig{
			Subject: events.DefaultSubject,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// sanitizeConfig replaces invalid values with defaults.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRateInterval
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = defaultTypingWindow
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}

	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = defaultJWTAlgorithm
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = history.BackendSQLite
	}
	if cfg.History.Backend == history.BackendSQLite && cfg.History.DSN == "" {
		cfg.History.DSN = defaultHistoryDSN
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = events.DefaultSubject
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = normalizePort(port)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// seconds
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if size := os.Getenv("SEND_QUEUE_SIZE"); size != "" {
		cfg.SendQueueSize = parseIntValue(size, cfg.SendQueueSize)
	}

	if window := os.Getenv("TYPING_WINDOW_MS"); window != "" {
		cfg.TypingWindow = parseMillis(window, cfg.TypingWindow)
	}

	if stopped := os.Getenv("TYPING_STOPPED_EVENTS"); stopped != "" {
		cfg.TypingStoppedEvents = parseBool(stopped, cfg.TypingStoppedEvents)
	}

	if maxConns := os.Getenv("MAX_CONNECTIONS"); maxConns != "" {
		cfg.MaxConnections = parseIntValue(maxConns, cfg.MaxConnections)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	cfg.Auth.Secret = os.Getenv("JWT_SECRET")
	if alg := os.Getenv("JWT_ALGORITHM"); alg != "" {
		cfg.Auth.Algorithm = strings.ToUpper(strings.TrimSpace(alg))
	}
	cfg.Auth.Issuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))

	if backend := os.Getenv("HISTORY_BACKEND"); backend != "" {
		cfg.History.Backend = strings.ToLower(strings.TrimSpace(backend))
		cfg.History.DSN = ""
	}
	if dsn := os.Getenv("HISTORY_DSN"); dsn != "" {
		cfg.History.DSN = strings.TrimSpace(dsn)
	}

	cfg.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	if subject := os.Getenv("NATS_SUBJECT"); subject != "" {
		cfg.NATS.Subject = strings.TrimSpace(subject)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(format))
	}

	sanitized := sanitizeConfig(cfg)
	return &sanitized
}

// normalizePort accepts both "8080" and ":8080".
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port != "" && !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseMillis(value string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return defaultValue
}
