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

// ConfigPath is read from AUTH_CONFIG_PATH and defaults to config.yaml.
var ConfigPath = configPath()

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("AUTH_CONFIG_PATH")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseDriver string   `yaml:"databaseDriver"`
	DatabaseURL    string   `yaml:"databaseURL"`
	RedisAddr      string   `yaml:"redisAddr"`
	RedisPassword  string   `yaml:"redisPassword"`
	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	SessionTTL          string `yaml:"sessionTTL"`
	RefreshTTL          string `yaml:"refreshTTL"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`

	SignupRateLimitPerMinute  int    `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute   int    `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute int    `yaml:"refreshRateLimitPerMinute"`
	AlertPrefix               string `yaml:"alertPrefix"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	AvatarURLTTL   string `yaml:"avatarURLTTL"`
}

// Load reads config from path (defaults to ConfigPath) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
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
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                   &cfg.Port,
		"LOG_LEVEL":              &cfg.LogLevel,
		"DATABASE_DRIVER":        &cfg.DatabaseDriver,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"AUTH_SESSION_TTL":       &cfg.SessionTTL,
		"AUTH_REFRESH_TTL":       &cfg.RefreshTTL,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"MINIO_ENDPOINT":         &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":       &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":       &cfg.MinioSecretKey,
		"MINIO_BUCKET":           &cfg.MinioBucket,
		"AUTH_AVATAR_URL_TTL":    &cfg.AvatarURLTTL,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"AUTH_SIGNUP_RATE_LIMIT_PER_MINUTE":  &cfg.SignupRateLimitPerMinute,
		"AUTH_LOGIN_RATE_LIMIT_PER_MINUTE":   &cfg.LoginRateLimitPerMinute,
		"AUTH_REFRESH_RATE_LIMIT_PER_MINUTE": &cfg.RefreshRateLimitPerMinute,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.MinioUseSSL = v == "true"
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
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
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioEndpoint requires minioBucket, minioAccessKey and minioSecretKey")
	}
	for name, raw := range map[string]string{
		"sessionTTL":   cfg.SessionTTL,
		"refreshTTL":   cfg.RefreshTTL,
		"jwtLeeway":    cfg.JWTLeeway,
		"avatarURLTTL": cfg.AvatarURLTTL,
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

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
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
