package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"
)

var (
	ErrMissingRedisURL   = errors.New("redis url is not configured")
	ErrMissingBackendURL = errors.New("backend base url is not configured")
	ErrMissingEndpoint   = errors.New("required backend endpoint is not configured")
	ErrInvalidTTL        = errors.New("invalid session ttl configuration")
)

type Config struct {
	Environment       string `mapstructure:"SBT_ENVIRONMENT"`
	ServerName        string `mapstructure:"SBT_SERVER_NAME"`
	ServerAddress     string `mapstructure:"SBT_SERVER_BIND_ADDR"`
	ServerReadTimeout int16  `mapstructure:"SBT_SERVER_READ_TIMEOUT"`
	LogFormat         string `mapstructure:"SBT_LOG_FORMAT"` // text or json
	LogLevel          string `mapstructure:"SBT_LOG_LEVEL"`  // debug, info, warn, error
	RateLimitMax      int    `mapstructure:"SBT_RATE_LIMIT_MAX"`
	RateLimitWindow   int    `mapstructure:"SBT_RATE_LIMIT_WINDOW"`
	MaintenanceMode   bool   `mapstructure:"SBT_MAINTENANCE_MODE"`
	AdminToken        string `mapstructure:"SBT_ADMIN_TOKEN"` // bearer token for the /v1 ops API; empty locks it

	// Redis
	RedisURL             string        `mapstructure:"SBT_REDIS_URL"`
	RedisPoolSize        int           `mapstructure:"SBT_REDIS_POOL_SIZE"`
	RedisMaxRetries      int           `mapstructure:"SBT_REDIS_MAX_RETRIES"`
	RedisDialTimeout     time.Duration `mapstructure:"SBT_REDIS_DIAL_TIMEOUT"`
	RedisConnectAttempts int           `mapstructure:"SBT_REDIS_CONNECT_ATTEMPTS"`

	// Sessions
	SessionTTL             time.Duration `mapstructure:"SBT_SESSION_TTL"`
	AuthSessionTTL         time.Duration `mapstructure:"SBT_AUTH_SESSION_TTL"`
	MaxRequestsPerHour     int           `mapstructure:"SBT_MAX_REQUESTS_PER_HOUR"`
	RateLimitCooldown      time.Duration `mapstructure:"SBT_RATE_LIMIT_COOLDOWN"`
	LocalCacheMax          int           `mapstructure:"SBT_LOCAL_CACHE_MAX"`
	LocalCacheEvictFrac    float64       `mapstructure:"SBT_LOCAL_CACHE_EVICT_FRACTION"`
	SessionSaveTimeout     time.Duration `mapstructure:"SBT_SESSION_SAVE_TIMEOUT"`
	SessionScanBatch       int64         `mapstructure:"SBT_SESSION_SCAN_BATCH"`
	MaintenanceInterval    time.Duration `mapstructure:"SBT_MAINTENANCE_INTERVAL"`
	ShutdownGrace          time.Duration `mapstructure:"SBT_SHUTDOWN_GRACE"`
	HandlerTimeout         time.Duration `mapstructure:"SBT_HANDLER_TIMEOUT"`
	APICacheTTL            time.Duration `mapstructure:"SBT_API_CACHE_TTL"`
	UserCacheTTL           time.Duration `mapstructure:"SBT_USER_CACHE_TTL"`
	StatusMessageLinger    time.Duration `mapstructure:"SBT_STATUS_MESSAGE_LINGER"`
	NotificationsRateLimit float64       `mapstructure:"SBT_NOTIFICATIONS_RATE_LIMIT"`

	// Backend REST API
	BackendBaseURL        string        `mapstructure:"SBT_BACKEND_BASE_URL"`
	BackendAuthToken      string        `mapstructure:"SBT_BACKEND_AUTH_TOKEN"`
	BackendAuthHeader     string        `mapstructure:"SBT_BACKEND_AUTH_HEADER"`
	BackendURLNumber      string        `mapstructure:"SBT_BACKEND_URL_NUMBER"`
	BackendURLSerial      string        `mapstructure:"SBT_BACKEND_URL_SERIAL"`
	BackendURLNationalID  string        `mapstructure:"SBT_BACKEND_URL_NATIONAL_ID"`
	BackendURLUserOrders  string        `mapstructure:"SBT_BACKEND_URL_USER_ORDERS"`
	BackendURLComplaint   string        `mapstructure:"SBT_BACKEND_URL_COMPLAINT"`
	BackendURLRepair      string        `mapstructure:"SBT_BACKEND_URL_REPAIR"`
	BackendURLRating      string        `mapstructure:"SBT_BACKEND_URL_RATING"`
	HTTPTimeout           time.Duration `mapstructure:"SBT_HTTP_TIMEOUT"`
	HTTPConnectTimeout    time.Duration `mapstructure:"SBT_HTTP_CONNECT_TIMEOUT"`
	HTTPReadTimeout       time.Duration `mapstructure:"SBT_HTTP_READ_TIMEOUT"`
	HTTPMaxAttempts       int           `mapstructure:"SBT_HTTP_MAX_ATTEMPTS"`
	HTTPRetryBaseDelay    time.Duration `mapstructure:"SBT_HTTP_RETRY_BASE_DELAY"`
	HTTPMaxConcurrency    int           `mapstructure:"SBT_HTTP_MAX_CONCURRENCY"`
	HTTPMaxConnsPerHost   int           `mapstructure:"SBT_HTTP_MAX_CONNS_PER_HOST"`
	HTTPRateLimit         float64       `mapstructure:"SBT_HTTP_RATE_LIMIT"` // requests per second, 0 disables
	HTTPRateLimitBurst    int           `mapstructure:"SBT_HTTP_RATE_LIMIT_BURST"`
	SupportPhone          string        `mapstructure:"SBT_SUPPORT_PHONE"`
	BackendUserAgentLabel string        `mapstructure:"SBT_BACKEND_USER_AGENT"`

	OtlpEndpoint   string `mapstructure:"SBT_OTLP_ENDPOINT"`
	JaegerEndpoint string `mapstructure:"SBT_JAEGER_ENDPOINT"`
	OtlpLogs       bool   `mapstructure:"SBT_OTLP_LOGS"`

	// Telegram Bot Configuration
	TelegramBotToken string `mapstructure:"SBT_TELEGRAM_BOT_TOKEN"`
	TelegramDebug    bool   `mapstructure:"SBT_TELEGRAM_DEBUG"`
	TelegramAdmins   string `mapstructure:"SBT_TELEGRAM_ADMINS"` // Comma-separated list of Telegram IDs
}

// DefaultConfig generates a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		Environment:       "local",
		ServerName:        "support-bot",
		ServerAddress:     "127.0.0.1:3001",
		ServerReadTimeout: 60,
		LogFormat:         "text",
		LogLevel:          "info",
		RateLimitMax:      100,
		RateLimitWindow:   30,
		MaintenanceMode:   false,
		AdminToken:        "",

		RedisURL:             "redis://localhost:6379/0",
		RedisPoolSize:        20,
		RedisMaxRetries:      3,
		RedisDialTimeout:     5 * time.Second,
		RedisConnectAttempts: 5,

		SessionTTL:             30 * time.Minute,
		AuthSessionTTL:         60 * time.Minute,
		MaxRequestsPerHour:     100,
		RateLimitCooldown:      30 * time.Minute,
		LocalCacheMax:          500,
		LocalCacheEvictFrac:    0.5,
		SessionSaveTimeout:     5 * time.Second,
		SessionScanBatch:       100,
		MaintenanceInterval:    30 * time.Minute,
		ShutdownGrace:          10 * time.Second,
		HandlerTimeout:         15 * time.Second,
		APICacheTTL:            5 * time.Minute,
		UserCacheTTL:           30 * time.Minute,
		StatusMessageLinger:    2 * time.Second,
		NotificationsRateLimit: 25,

		BackendBaseURL:        "",
		BackendAuthToken:      "",
		BackendAuthHeader:     "auth-token",
		BackendURLNumber:      "/api/v1/ass-process/GetByNumber",
		BackendURLSerial:      "/api/v1/ass-process/GetBySerial",
		BackendURLNationalID:  "/api/v1/contact/GetByNationalCode",
		BackendURLUserOrders:  "",
		BackendURLComplaint:   "",
		BackendURLRepair:      "",
		BackendURLRating:      "",
		HTTPTimeout:           30 * time.Second,
		HTTPConnectTimeout:    10 * time.Second,
		HTTPReadTimeout:       20 * time.Second,
		HTTPMaxAttempts:       3,
		HTTPRetryBaseDelay:    time.Second,
		HTTPMaxConcurrency:    100,
		HTTPMaxConnsPerHost:   30,
		HTTPRateLimit:         0,
		HTTPRateLimitBurst:    10,
		SupportPhone:          "03133127",
		BackendUserAgentLabel: "support-bot/1.0",

		OtlpEndpoint:   "localhost:4317",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		OtlpLogs:       false,

		TelegramBotToken: "",
		TelegramDebug:    false,
		TelegramAdmins:   "",
	}
}

// LoadConfig will attempt to load a configuration from the default file location and fallback to environment variables.
func LoadConfig() (Config, error) {
	envFile := os.Getenv("SBT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	var cfg Config
	var err error

	if _, err = os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		cfg, err = ConfigFromEnvironment()
	} else {
		cfg, err = ConfigFromFile(envFile)
	}

	return cfg, err
}

// ConfigFromEnvironment will look for the specified configuration from environment variables.
func ConfigFromEnvironment() (config Config, err error) {
	config = DefaultConfig()
	setDefaults(config)

	viper.AutomaticEnv()
	err = viper.Unmarshal(&config)
	return
}

// ConfigFromFile will look for the specified configuration file in the current directory and initialize
// a Config from it. Values provided by environment variables will override ones found in
// the file.
func ConfigFromFile(f string) (config Config, err error) {
	if config, err = ConfigFromEnvironment(); err != nil {
		return
	}

	viper.AddConfigPath(".")
	viper.SetConfigFile(f)
	viper.SetConfigType("env")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)

	return
}

func setDefaults(config Config) {
	viper.SetDefault("SBT_ENVIRONMENT", config.Environment)
	viper.SetDefault("SBT_SERVER_NAME", config.ServerName)
	viper.SetDefault("SBT_SERVER_BIND_ADDR", config.ServerAddress)
	viper.SetDefault("SBT_SERVER_READ_TIMEOUT", config.ServerReadTimeout)
	viper.SetDefault("SBT_LOG_LEVEL", config.LogLevel)
	viper.SetDefault("SBT_LOG_FORMAT", config.LogFormat)
	viper.SetDefault("SBT_RATE_LIMIT_MAX", config.RateLimitMax)
	viper.SetDefault("SBT_RATE_LIMIT_WINDOW", config.RateLimitWindow)
	viper.SetDefault("SBT_MAINTENANCE_MODE", config.MaintenanceMode)
	viper.SetDefault("SBT_ADMIN_TOKEN", config.AdminToken)

	viper.SetDefault("SBT_REDIS_URL", config.RedisURL)
	viper.SetDefault("SBT_REDIS_POOL_SIZE", config.RedisPoolSize)
	viper.SetDefault("SBT_REDIS_MAX_RETRIES", config.RedisMaxRetries)
	viper.SetDefault("SBT_REDIS_DIAL_TIMEOUT", config.RedisDialTimeout)
	viper.SetDefault("SBT_REDIS_CONNECT_ATTEMPTS", config.RedisConnectAttempts)

	viper.SetDefault("SBT_SESSION_TTL", config.SessionTTL)
	viper.SetDefault("SBT_AUTH_SESSION_TTL", config.AuthSessionTTL)
	viper.SetDefault("SBT_MAX_REQUESTS_PER_HOUR", config.MaxRequestsPerHour)
	viper.SetDefault("SBT_RATE_LIMIT_COOLDOWN", config.RateLimitCooldown)
	viper.SetDefault("SBT_LOCAL_CACHE_MAX", config.LocalCacheMax)
	viper.SetDefault("SBT_LOCAL_CACHE_EVICT_FRACTION", config.LocalCacheEvictFrac)
	viper.SetDefault("SBT_SESSION_SAVE_TIMEOUT", config.SessionSaveTimeout)
	viper.SetDefault("SBT_SESSION_SCAN_BATCH", config.SessionScanBatch)
	viper.SetDefault("SBT_MAINTENANCE_INTERVAL", config.MaintenanceInterval)
	viper.SetDefault("SBT_SHUTDOWN_GRACE", config.ShutdownGrace)
	viper.SetDefault("SBT_HANDLER_TIMEOUT", config.HandlerTimeout)
	viper.SetDefault("SBT_API_CACHE_TTL", config.APICacheTTL)
	viper.SetDefault("SBT_USER_CACHE_TTL", config.UserCacheTTL)
	viper.SetDefault("SBT_STATUS_MESSAGE_LINGER", config.StatusMessageLinger)
	viper.SetDefault("SBT_NOTIFICATIONS_RATE_LIMIT", config.NotificationsRateLimit)

	viper.SetDefault("SBT_BACKEND_BASE_URL", config.BackendBaseURL)
	viper.SetDefault("SBT_BACKEND_AUTH_TOKEN", config.BackendAuthToken)
	viper.SetDefault("SBT_BACKEND_AUTH_HEADER", config.BackendAuthHeader)
	viper.SetDefault("SBT_BACKEND_URL_NUMBER", config.BackendURLNumber)
	viper.SetDefault("SBT_BACKEND_URL_SERIAL", config.BackendURLSerial)
	viper.SetDefault("SBT_BACKEND_URL_NATIONAL_ID", config.BackendURLNationalID)
	viper.SetDefault("SBT_BACKEND_URL_USER_ORDERS", config.BackendURLUserOrders)
	viper.SetDefault("SBT_BACKEND_URL_COMPLAINT", config.BackendURLComplaint)
	viper.SetDefault("SBT_BACKEND_URL_REPAIR", config.BackendURLRepair)
	viper.SetDefault("SBT_BACKEND_URL_RATING", config.BackendURLRating)
	viper.SetDefault("SBT_HTTP_TIMEOUT", config.HTTPTimeout)
	viper.SetDefault("SBT_HTTP_CONNECT_TIMEOUT", config.HTTPConnectTimeout)
	viper.SetDefault("SBT_HTTP_READ_TIMEOUT", config.HTTPReadTimeout)
	viper.SetDefault("SBT_HTTP_MAX_ATTEMPTS", config.HTTPMaxAttempts)
	viper.SetDefault("SBT_HTTP_RETRY_BASE_DELAY", config.HTTPRetryBaseDelay)
	viper.SetDefault("SBT_HTTP_MAX_CONCURRENCY", config.HTTPMaxConcurrency)
	viper.SetDefault("SBT_HTTP_MAX_CONNS_PER_HOST", config.HTTPMaxConnsPerHost)
	viper.SetDefault("SBT_HTTP_RATE_LIMIT", config.HTTPRateLimit)
	viper.SetDefault("SBT_HTTP_RATE_LIMIT_BURST", config.HTTPRateLimitBurst)
	viper.SetDefault("SBT_SUPPORT_PHONE", config.SupportPhone)
	viper.SetDefault("SBT_BACKEND_USER_AGENT", config.BackendUserAgentLabel)

	viper.SetDefault("SBT_OTLP_ENDPOINT", config.OtlpEndpoint)
	viper.SetDefault("SBT_JAEGER_ENDPOINT", config.JaegerEndpoint)
	viper.SetDefault("SBT_OTLP_LOGS", config.OtlpLogs)

	viper.SetDefault("SBT_TELEGRAM_BOT_TOKEN", config.TelegramBotToken)
	viper.SetDefault("SBT_TELEGRAM_DEBUG", config.TelegramDebug)
	viper.SetDefault("SBT_TELEGRAM_ADMINS", config.TelegramAdmins)
}

// Validate reports deployment defects that must stop the process before it serves traffic.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RedisURL) == "" {
		return ErrMissingRedisURL
	}
	if c.SessionTTL <= 0 || c.AuthSessionTTL <= 0 {
		return fmt.Errorf("%w: ttls must be positive", ErrInvalidTTL)
	}
	if c.AuthSessionTTL <= c.SessionTTL {
		return fmt.Errorf("%w: authenticated ttl %s must exceed default ttl %s", ErrInvalidTTL, c.AuthSessionTTL, c.SessionTTL)
	}
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return ErrMissingBackendURL
	}

	required := map[string]string{
		"SBT_BACKEND_URL_NUMBER":      c.BackendURLNumber,
		"SBT_BACKEND_URL_SERIAL":      c.BackendURLSerial,
		"SBT_BACKEND_URL_NATIONAL_ID": c.BackendURLNationalID,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingEndpoint, key)
		}
	}

	return nil
}

// Fiber initializes and returns a Fiber config based on server config values.
// See https://docs.gofiber.io/api/fiber#config
func (c Config) Fiber() fiber.Config {
	return fiber.Config{
		AppName:     c.ServerName,
		ReadTimeout: time.Second * time.Duration(c.ServerReadTimeout),
		BodyLimit:   1 * 1024 * 1024,
	}
}

// GetSlogLevel converts the string log level to slog.Level.
func (c Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetTelegramAdmins parses the comma-separated list of Telegram admin IDs.
func (c Config) GetTelegramAdmins() ([]int64, error) {
	if c.TelegramAdmins == "" {
		return []int64{}, nil
	}

	adminStrings := strings.Split(c.TelegramAdmins, ",")
	admins := make([]int64, 0, len(adminStrings))

	for _, adminStr := range adminStrings {
		adminStr = strings.TrimSpace(adminStr)
		if adminStr == "" {
			continue
		}

		adminID, err := strconv.ParseInt(adminStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin Telegram ID '%s': %w", adminStr, err)
		}

		admins = append(admins, adminID)
	}

	return admins, nil
}

// RedisConfig holds the remote store connection settings.
type RedisConfig struct {
	URL             string
	PoolSize        int
	MaxRetries      int
	DialTimeout     time.Duration
	ConnectAttempts int
}

func (c Config) GetRedisConfig() RedisConfig {
	return RedisConfig{
		URL:             c.RedisURL,
		PoolSize:        c.RedisPoolSize,
		MaxRetries:      c.RedisMaxRetries,
		DialTimeout:     c.RedisDialTimeout,
		ConnectAttempts: c.RedisConnectAttempts,
	}
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	DefaultTTL         time.Duration
	AuthenticatedTTL   time.Duration
	MaxRequestsPerHour int
	RateLimitCooldown  time.Duration
	LocalCacheMax      int
	EvictFraction      float64
	SaveTimeout        time.Duration
	ScanBatch          int64
}

func (c Config) GetSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultTTL:         c.SessionTTL,
		AuthenticatedTTL:   c.AuthSessionTTL,
		MaxRequestsPerHour: c.MaxRequestsPerHour,
		RateLimitCooldown:  c.RateLimitCooldown,
		LocalCacheMax:      c.LocalCacheMax,
		EvictFraction:      c.LocalCacheEvictFrac,
		SaveTimeout:        c.SessionSaveTimeout,
		ScanBatch:          c.SessionScanBatch,
	}
}

// BackendConfig holds outbound HTTP client settings.
type BackendConfig struct {
	AuthToken       string
	AuthHeader      string
	UserAgent       string
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	MaxConcurrency  int
	MaxConnsPerHost int
	RateLimit       float64
	RateLimitBurst  int
}

func (c Config) GetBackendConfig() BackendConfig {
	return BackendConfig{
		AuthToken:       c.BackendAuthToken,
		AuthHeader:      c.BackendAuthHeader,
		UserAgent:       c.BackendUserAgentLabel,
		Timeout:         c.HTTPTimeout,
		ConnectTimeout:  c.HTTPConnectTimeout,
		ReadTimeout:     c.HTTPReadTimeout,
		MaxAttempts:     c.HTTPMaxAttempts,
		RetryBaseDelay:  c.HTTPRetryBaseDelay,
		MaxConcurrency:  c.HTTPMaxConcurrency,
		MaxConnsPerHost: c.HTTPMaxConnsPerHost,
		RateLimit:       c.HTTPRateLimit,
		RateLimitBurst:  c.HTTPRateLimitBurst,
	}
}

// EndpointsConfig lists backend endpoints by name. Values are absolute URLs
// or paths relative to BaseURL.
type EndpointsConfig struct {
	BaseURL    string
	Number     string
	Serial     string
	NationalID string
	UserOrders string
	Complaint  string
	Repair     string
	Rating     string
}

func (c Config) GetEndpointsConfig() EndpointsConfig {
	return EndpointsConfig{
		BaseURL:    c.BackendBaseURL,
		Number:     c.BackendURLNumber,
		Serial:     c.BackendURLSerial,
		NationalID: c.BackendURLNationalID,
		UserOrders: c.BackendURLUserOrders,
		Complaint:  c.BackendURLComplaint,
		Repair:     c.BackendURLRepair,
		Rating:     c.BackendURLRating,
	}
}

// MaintenanceConfig holds background sweep settings.
type MaintenanceConfig struct {
	Interval      time.Duration
	ShutdownGrace time.Duration
}

func (c Config) GetMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:      c.MaintenanceInterval,
		ShutdownGrace: c.ShutdownGrace,
	}
}

// TelegramConfig holds the bot transport and conversation settings.
type TelegramConfig struct {
	Token               string
	Debug               bool
	Admins              []int64
	HandlerTimeout      time.Duration
	MaintenanceMode     bool
	SupportPhone        string
	StatusMessageLinger time.Duration
	NotificationsRate   float64
}

func (c Config) GetTelegramConfig() (TelegramConfig, error) {
	admins, err := c.GetTelegramAdmins()
	if err != nil {
		return TelegramConfig{}, err
	}
	return TelegramConfig{
		Token:               c.TelegramBotToken,
		Debug:               c.TelegramDebug,
		Admins:              admins,
		HandlerTimeout:      c.HandlerTimeout,
		MaintenanceMode:     c.MaintenanceMode,
		SupportPhone:        c.SupportPhone,
		StatusMessageLinger: c.StatusMessageLinger,
		NotificationsRate:   c.NotificationsRateLimit,
	}, nil
}
