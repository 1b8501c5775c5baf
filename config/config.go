package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

// Mode selects which side of the chat the daemon plays.
type Mode string

const (
	ModeAgent   Mode = "agent"   // dashboard agent: bearer credential, REST replies
	ModeVisitor Mode = "visitor" // embedded widget: project + visitor identity, socket messages
)

// Config holds all configuration fields for the application.
type Config struct {
	Mode Mode

	APIBaseURL    string
	WSURL         string
	AccessToken   string
	RefreshCookie string
	ProjectID     string
	VisitorUID    string

	ListenAddr string

	SendTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 retries forever
	PingInterval         time.Duration
	TypingTTL            time.Duration
	PageSize             int

	DatabaseURL string

	RabbitMQURL         string
	RabbitMQQueue       string
	RabbitMQQueuePrefix string
	AMQPSpecificEvents  []string

	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3PublicURL string

	LogLevel  string
	LogFormat string // "console" or "json"
}

// LoadConfig loads configuration from environment variables.
// It attempts to load envFile (or .env when empty) first, but a missing file is not an error.
func LoadConfig(envFile string) (*Config, error) {
	var err error
	if envFile != "" {
		err = godotenv.Load(envFile)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Mode:                Mode(strings.ToLower(os.Getenv("APP_MODE"))),
		APIBaseURL:          os.Getenv("API_BASE_URL"),
		WSURL:               os.Getenv("WS_URL"),
		AccessToken:         os.Getenv("ACCESS_TOKEN"),
		RefreshCookie:       os.Getenv("REFRESH_COOKIE"),
		ProjectID:           os.Getenv("PROJECT_ID"),
		VisitorUID:          os.Getenv("VISITOR_UID"),
		ListenAddr:          os.Getenv("LISTEN_ADDR"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:       os.Getenv("RABBITMQ_QUEUE"),
		RabbitMQQueuePrefix: os.Getenv("RABBITMQ_QUEUE_PREFIX"),
		AMQPSpecificEvents:  splitList(os.Getenv("AMQP_SPECIFIC_EVENTS")),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3Region:            os.Getenv("S3_REGION"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3PublicURL:         os.Getenv("S3_PUBLIC_URL"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
	}

	if cfg.SendTimeout, err = durationEnv("SEND_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectBaseDelay, err = durationEnv("RECONNECT_BASE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMaxDelay, err = durationEnv("RECONNECT_MAX_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = durationEnv("WS_PING_INTERVAL", 25*time.Second); err != nil {
		return nil, err
	}
	if cfg.TypingTTL, err = durationEnv("TYPING_TTL", 6*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMaxAttempts, err = intEnv("RECONNECT_MAX_ATTEMPTS", 0); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = intEnv("PAGE_SIZE", 20); err != nil {
		return nil, err
	}
	if cfg.S3Enabled, err = boolEnv("S3_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.S3PathStyle, err = boolEnv("S3_PATH_STYLE", false); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	log.Info().Str("mode", string(cfg.Mode)).Str("apiBaseURL", cfg.APIBaseURL).Str("wsURL", cfg.WSURL).Msg("Configuration loading attempt complete.")
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAgent
		log.Info().Str("mode", string(c.Mode)).Msg("APP_MODE not set, using default")
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = "http://localhost:3000/api/v1"
		log.Info().Str("apiBaseURL", c.APIBaseURL).Msg("API_BASE_URL not set, using default")
	}
	if c.WSURL == "" {
		c.WSURL = DeriveWSURL(c.APIBaseURL)
		log.Info().Str("wsURL", c.WSURL).Msg("WS_URL not set, derived from API_BASE_URL")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8089"
	}
	if c.RabbitMQQueue == "" {
		c.RabbitMQQueue = "realtime_events"
	}
	if c.RabbitMQQueuePrefix == "" {
		c.RabbitMQQueuePrefix = "inboxsync"
	}
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
}

// Validate checks the settings the selected mode cannot run without.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAgent:
		if c.AccessToken == "" {
			return fmt.Errorf("ACCESS_TOKEN is required in %s mode", c.Mode)
		}
	case ModeVisitor:
		if c.ProjectID == "" || c.VisitorUID == "" {
			return fmt.Errorf("PROJECT_ID and VISITOR_UID are required in %s mode", c.Mode)
		}
	default:
		return fmt.Errorf("unknown APP_MODE %q", c.Mode)
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY (%s) must not be below RECONNECT_BASE_DELAY (%s)", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.S3Enabled && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENABLED is set")
	}
	return nil
}

// DeriveWSURL turns the REST base URL into the realtime endpoint:
// http(s) becomes ws(s) and the API path is dropped.
func DeriveWSURL(apiBaseURL string) string {
	u, err := url.Parse(apiBaseURL)
	if err != nil || u.Host == "" {
		return "ws://localhost:3000"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
