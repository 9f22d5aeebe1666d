package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read from CATALOG_CONFIG_PATH and defaults to config.yaml.
var ConfigPath = configPath()

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("CATALOG_CONFIG_PATH")); v != "" {
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

	// JWKSURL points at the auth service key set.
	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
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
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	return cfg, validate(cfg)
}

func applyEnv(cfg *FileConfig) {
	for key, dst := range map[string]*string{
		"PORT":            &cfg.Port,
		"LOG_LEVEL":       &cfg.LogLevel,
		"DATABASE_DRIVER": &cfg.DatabaseDriver,
		"DATABASE_URL":    &cfg.DatabaseURL,
		"REDIS_ADDR":      &cfg.RedisAddr,
		"REDIS_PASSWORD":  &cfg.RedisPassword,
		"AUTH_JWKS_URL":   &cfg.JWKSURL,
		"JWT_ISSUER":      &cfg.JWTIssuer,
		"JWT_AUDIENCE":    &cfg.JWTAudience,
		"JWT_LEEWAY":      &cfg.JWTLeeway,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = nil
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, part)
			}
		}
	}
}

func validate(cfg FileConfig) error {
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
	if _, err := cfg.Leeway(); err != nil {
		return err
	}
	return nil
}

// Leeway returns the parsed jwtLeeway; empty means the verifier default.
func (c FileConfig) Leeway() (time.Duration, error) {
	raw := strings.TrimSpace(c.JWTLeeway)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid jwtLeeway %q", raw)
	}
	return d, nil
}
