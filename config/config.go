package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-this-secret-key"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Operator  OperatorConfig
	API       APIConfig
	CORS      CORSConfig
	Monitor   MonitorConfig
	Capture   CaptureConfig
	Retention RetentionConfig
	YouTube   YouTubeConfig
	Telegram  TelegramConfig
	AMQP      AMQPConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	BoltPath string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type OperatorConfig struct {
	Username     string
	PasswordHash string
}

type APIConfig struct {
	RateLimitRequestsPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type MonitorConfig struct {
	PollInterval        time.Duration
	Tick                time.Duration
	MaxConcurrentProbes int
	ProbeTimeout        time.Duration
	MaxBackoff          time.Duration
	WarnThreshold       int
	ShutdownGrace       time.Duration
}

type CaptureConfig struct {
	Dir        string
	Workers    int
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	Timeout    time.Duration
}

type RetentionConfig struct {
	Days          int
	SweepInterval time.Duration
	Concurrency   int
}

type YouTubeConfig struct {
	YtDlpPath         string
	CookiesFile       string
	FeedURL           string
	BaseURL           string
	RequestsPerSecond float64
	RecentWindow      time.Duration
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string
}

// Enabled reports whether both the token and the chat are set.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

var defaults = map[string]interface{}{
	"port":      "8080",
	"env":       "development",
	"log_level": "info",

	"db_driver":   "postgres",
	"db_host":     "localhost",
	"db_port":     "5432",
	"db_user":     "streamly",
	"db_password": "streamly_password",
	"db_name":     "streamly",
	"db_sslmode":  "disable",
	"bolt_path":   "streamly.db",

	"redis_host":     "localhost",
	"redis_port":     "6379",
	"redis_password": "",
	"redis_db":       0,

	"jwt_secret":        defaultJWTSecret,
	"jwt_expiry_hours":  168,
	"operator_username": "admin",

	"rate_limit_requests_per_second": 10,
	"cors_allowed_origins":           "http://localhost:3000",

	"poll_interval":         "1m",
	"poll_tick":             "5s",
	"max_concurrent_probes": 5,
	"probe_timeout":         "30s",
	"probe_max_backoff":     "30m",
	"probe_warn_threshold":  3,
	"shutdown_grace":        "30s",

	"download_dir":             "downloads",
	"max_concurrent_downloads": 2,
	"download_max_retries":     3,
	"download_retry_base":      "2m",
	"download_retry_max":       "10m",
	"download_timeout":         "6h",

	"retention_days":    14,
	"sweep_interval":    "24h",
	"sweep_concurrency": 4,

	"ytdlp_path":          "yt-dlp",
	"youtube_feed_url":    "https://www.youtube.com/feeds/videos.xml",
	"youtube_base_url":    "https://www.youtube.com",
	"platform_rps":        2.0,
	"recent_video_window": "1h",

	"telegram_api_url": "https://api.telegram.org",
	"amqp_exchange":    "streamly.events",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from the environment, layered over the given
// config file when path is not empty.
func LoadFile(path string) (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("port"),
			Env:      v.GetString("env"),
			LogLevel: v.GetString("log_level"),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("db_driver")),
			Host:     v.GetString("db_host"),
			Port:     v.GetString("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			DBName:   v.GetString("db_name"),
			SSLMode:  v.GetString("db_sslmode"),
			BoltPath: v.GetString("bolt_path"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis_host"),
			Port:     v.GetString("redis_port"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		JWT: JWTConfig{
			Secret:      v.GetString("jwt_secret"),
			ExpiryHours: v.GetInt("jwt_expiry_hours"),
		},
		Operator: OperatorConfig{
			Username:     v.GetString("operator_username"),
			PasswordHash: v.GetString("operator_password_hash"),
		},
		API: APIConfig{
			RateLimitRequestsPerSec: v.GetInt("rate_limit_requests_per_second"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		},
		Monitor: MonitorConfig{
			PollInterval:        v.GetDuration("poll_interval"),
			Tick:                v.GetDuration("poll_tick"),
			MaxConcurrentProbes: v.GetInt("max_concurrent_probes"),
			ProbeTimeout:        v.GetDuration("probe_timeout"),
			MaxBackoff:          v.GetDuration("probe_max_backoff"),
			WarnThreshold:       v.GetInt("probe_warn_threshold"),
			ShutdownGrace:       v.GetDuration("shutdown_grace"),
		},
		Capture: CaptureConfig{
			Dir:        v.GetString("download_dir"),
			Workers:    v.GetInt("max_concurrent_downloads"),
			MaxRetries: v.GetInt("download_max_retries"),
			RetryBase:  v.GetDuration("download_retry_base"),
			RetryMax:   v.GetDuration("download_retry_max"),
			Timeout:    v.GetDuration("download_timeout"),
		},
		Retention: RetentionConfig{
			Days:          v.GetInt("retention_days"),
			SweepInterval: v.GetDuration("sweep_interval"),
			Concurrency:   v.GetInt("sweep_concurrency"),
		},
		YouTube: YouTubeConfig{
			YtDlpPath:         v.GetString("ytdlp_path"),
			CookiesFile:       v.GetString("ytdlp_cookies"),
			FeedURL:           v.GetString("youtube_feed_url"),
			BaseURL:           v.GetString("youtube_base_url"),
			RequestsPerSecond: v.GetFloat64("platform_rps"),
			RecentWindow:      v.GetDuration("recent_video_window"),
		},
		Telegram: TelegramConfig{
			BotToken: v.GetString("telegram_bot_token"),
			ChatID:   v.GetString("telegram_chat_id"),
			APIURL:   v.GetString("telegram_api_url"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("amqp_url"),
			Exchange: v.GetString("amqp_exchange"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == defaultJWTSecret && c.Server.Env == "production" {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "bolt" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or bolt, got %q", c.Database.Driver))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Monitor.MaxConcurrentProbes < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_PROBES must be at least 1"))
	}
	if c.Capture.Workers < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_DOWNLOADS must be at least 1"))
	}
	if c.Capture.MaxRetries < 1 {
		errs = append(errs, errors.New("DOWNLOAD_MAX_RETRIES must be at least 1"))
	}
	if c.Retention.Days < 1 {
		errs = append(errs, errors.New("RETENTION_DAYS must be at least 1"))
	}
	return errors.Join(errs...)
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
