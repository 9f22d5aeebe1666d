package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read from SOCIAL_CONFIG_PATH and defaults to config.yaml.
var ConfigPath = configPath()

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("SOCIAL_CONFIG_PATH")); v != "" {
		return v
	}
	return "config.yaml"
}

// Notification delivery modes.
const (
	ModeDirect = "direct"
	ModeQueue  = "queue"
	ModeAMQP   = "amqp"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseDriver string   `yaml:"databaseDriver"`
	DatabaseURL    string   `yaml:"databaseURL"`
	RedisAddr      string   `yaml:"redisAddr"`
	RedisPassword  string   `yaml:"redisPassword"`
	CORSOrigins    []string `yaml:"corsOrigins"`

	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	WriteRateLimitPerMinute int `yaml:"writeRateLimitPerMinute"`

	// NotificationMode is direct, queue (Redis stream) or amqp (RabbitMQ).
	NotificationMode   string `yaml:"notificationMode"`
	NotificationStream string `yaml:"notificationStream"`
	AMQPURL            string `yaml:"amqpURL"`
	WorkerConcurrency  int    `yaml:"workerConcurrency"`
	WorkerMaxRetries   int    `yaml:"workerMaxRetries"`
	WorkerRetryDelay   string `yaml:"workerRetryDelay"`
}

// Load reads config from path (defaults to ConfigPath) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                       &cfg.Port,
		"LOG_LEVEL":                  &cfg.LogLevel,
		"DATABASE_DRIVER":            &cfg.DatabaseDriver,
		"DATABASE_URL":               &cfg.DatabaseURL,
		"REDIS_ADDR":                 &cfg.RedisAddr,
		"REDIS_PASSWORD":             &cfg.RedisPassword,
		"AUTH_JWKS_URL":              &cfg.JWKSURL,
		"JWT_ISSUER":                 &cfg.JWTIssuer,
		"JWT_AUDIENCE":               &cfg.JWTAudience,
		"JWT_LEEWAY":                 &cfg.JWTLeeway,
		"SOCIAL_NOTIFICATION_MODE":   &cfg.NotificationMode,
		"SOCIAL_NOTIFICATION_STREAM": &cfg.NotificationStream,
		"AMQP_URL":                   &cfg.AMQPURL,
		"SOCIAL_WORKER_RETRY_DELAY":  &cfg.WorkerRetryDelay,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SOCIAL_WRITE_RATE_LIMIT_PER_MINUTE": &cfg.WriteRateLimitPerMinute,
		"SOCIAL_WORKER_CONCURRENCY":          &cfg.WorkerConcurrency,
		"SOCIAL_WORKER_MAX_RETRIES":          &cfg.WorkerMaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	cfg.NotificationMode = strings.ToLower(strings.TrimSpace(cfg.NotificationMode))
	if cfg.NotificationMode == "" {
		cfg.NotificationMode = ModeDirect
	}
	if cfg.NotificationStream == "" {
		cfg.NotificationStream = "bookclub:notifications"
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("config: unsupported databaseDriver %q", cfg.DatabaseDriver)
	}
	if cfg.JWKSURL == "" {
		return errors.New("config: jwksURL is required (set AUTH_JWKS_URL)")
	}
	switch cfg.NotificationMode {
	case ModeDirect:
	case ModeQueue:
		if cfg.RedisAddr == "" {
			return errors.New("config: notificationMode queue requires redisAddr")
		}
	case ModeAMQP:
		if cfg.AMQPURL == "" {
			return errors.New("config: notificationMode amqp requires amqpURL")
		}
	default:
		return fmt.Errorf("config: unsupported notificationMode %q", cfg.NotificationMode)
	}
	if cfg.WriteRateLimitPerMinute < 0 {
		return errors.New("config: writeRateLimitPerMinute must be >= 0")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":        cfg.JWTLeeway,
		"workerRetryDelay": cfg.WorkerRetryDelay,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration setting. Empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", name)
	}
	return dur, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
