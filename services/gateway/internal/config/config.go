package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read from GATEWAY_CONFIG_PATH and defaults to config.yaml.
var ConfigPath = configPath()

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG_PATH")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	AuthServiceURL    string `yaml:"authServiceURL"`
	CatalogServiceURL string `yaml:"catalogServiceURL"`
	SocialServiceURL  string `yaml:"socialServiceURL"`

	// APIRateLimitPerMinute caps requests per client IP across all upstreams.
	APIRateLimitPerMinute int    `yaml:"apiRateLimitPerMinute"`
	UpstreamTimeout       string `yaml:"upstreamTimeout"`
}

// Load reads config from path (defaults to ConfigPath).
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
	for key, dst := range map[string]*string{
		"PORT":                        &cfg.Port,
		"LOG_LEVEL":                   &cfg.LogLevel,
		"REDIS_ADDR":                  &cfg.RedisAddr,
		"REDIS_PASSWORD":              &cfg.RedisPassword,
		"GATEWAY_AUTH_SERVICE_URL":    &cfg.AuthServiceURL,
		"GATEWAY_CATALOG_SERVICE_URL": &cfg.CatalogServiceURL,
		"GATEWAY_SOCIAL_SERVICE_URL":  &cfg.SocialServiceURL,
		"GATEWAY_UPSTREAM_TIMEOUT":    &cfg.UpstreamTimeout,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("GATEWAY_API_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = strings.Split(v, ",")
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	for name, raw := range map[string]string{
		"authServiceURL":    cfg.AuthServiceURL,
		"catalogServiceURL": cfg.CatalogServiceURL,
		"socialServiceURL":  cfg.SocialServiceURL,
	} {
		if _, err := ParseUpstream(name, raw); err != nil {
			return err
		}
	}
	if cfg.APIRateLimitPerMinute < 0 {
		return errors.New("config: apiRateLimitPerMinute must be >= 0")
	}
	if _, err := cfg.Timeout(); err != nil {
		return err
	}
	return nil
}

// ParseUpstream validates a service base URL.
func ParseUpstream(name, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("config: %s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("config: %s must be an absolute http(s) URL", name)
	}
	return u, nil
}

// Timeout returns upstreamTimeout, defaulting to 30s.
func (c FileConfig) Timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.UpstreamTimeout)
	if raw == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid upstreamTimeout %q", raw)
	}
	return d, nil
}
