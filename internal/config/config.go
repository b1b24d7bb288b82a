package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultBaseURL = "https://fabrix-dx.sec.samsung.net/apim-dev/fssedx/dx_dev_chat_v1/1/openapi/chat/v1"

// Config represents the application configuration parsed from YAML and the
// environment.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Gauss    GaussConfig    `yaml:"gauss"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	RateLimit   float64  `yaml:"rate_limit"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GaussConfig captures authentication, routing and resilience settings for the
// vendor API.
type GaussConfig struct {
	PassKey        string   `yaml:"pass_key"`
	ClientKey      string   `yaml:"client_key"`
	BaseURL        string   `yaml:"base_url"`
	ProxyIPs       []string `yaml:"proxy_ips"`
	ProxyPort      int      `yaml:"proxy_port"`
	RequestTimeout Duration `yaml:"request_timeout"`
	StreamTimeout  Duration `yaml:"stream_timeout"`
	RetryMax       int      `yaml:"retry_max"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
}

// DefaultsConfig holds the fallbacks applied to incoming requests.
type DefaultsConfig struct {
	Model          string  `yaml:"model"`
	OwnedBy        string  `yaml:"owned_by"`
	MaxTokens      int     `yaml:"max_tokens"`
	MaxTokensLimit int     `yaml:"max_tokens_limit"`
	Temperature    float64 `yaml:"temperature"`
	TopP           float64 `yaml:"top_p"`
}

// Duration accepts either a Go duration string ("30s") or a bare number of
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return parsed, nil
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Gauss: GaussConfig{
			BaseURL:        defaultBaseURL,
			ProxyPort:      9000,
			RequestTimeout: Duration(30 * time.Second),
			StreamTimeout:  Duration(5 * time.Minute),
			RetryMax:       3,
			RetryBackoff:   Duration(time.Second),
		},
		Defaults: DefaultsConfig{
			Model:          "gauss",
			OwnedBy:        "samsung",
			MaxTokens:      2024,
			MaxTokensLimit: 4096,
			Temperature:    0.4,
			TopP:           0.94,
		},
	}
}

// Load reads optional YAML configuration from disk, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	list := func(key string, target *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = splitList(v)
		}
	}
	integer := func(key string, target *int) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("environment %s: %w", key, err)
			}
			*target = n
		}
		return nil
	}
	float := func(key string, target *float64) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("environment %s: %w", key, err)
			}
			*target = f
		}
		return nil
	}
	duration := func(key string, target *Duration) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("environment %s: %w", key, err)
			}
			*target = Duration(d)
		}
		return nil
	}

	str("GAUSS_PASS_KEY", &cfg.Gauss.PassKey)
	str("GAUSS_CLIENT_KEY", &cfg.Gauss.ClientKey)
	str("GAUSS_BASE_URL", &cfg.Gauss.BaseURL)
	list("GAUSS_PROXY_IPS", &cfg.Gauss.ProxyIPs)
	str("API_HOST", &cfg.Server.Host)
	list("API_KEYS", &cfg.Server.APIKeys)
	list("CORS_ORIGINS", &cfg.Server.CORSOrigins)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("DEFAULT_MODEL", &cfg.Defaults.Model)

	for _, fn := range []func() error{
		func() error { return integer("GAUSS_PROXY_PORT", &cfg.Gauss.ProxyPort) },
		func() error { return integer("API_PORT", &cfg.Server.Port) },
		func() error { return integer("MAX_TOKENS_LIMIT", &cfg.Defaults.MaxTokensLimit) },
		func() error { return float("RATE_LIMIT", &cfg.Server.RateLimit) },
		func() error { return float("TEMPERATURE_DEFAULT", &cfg.Defaults.Temperature) },
		func() error { return float("TOP_P_DEFAULT", &cfg.Defaults.TopP) },
		func() error { return duration("GAUSS_REQUEST_TIMEOUT", &cfg.Gauss.RequestTimeout) },
		func() error { return duration("GAUSS_STREAM_TIMEOUT", &cfg.Gauss.StreamTimeout) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit)
	}
	for _, key := range c.Server.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("server.api_keys must not contain empty keys")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if err := c.Gauss.validate(); err != nil {
		return err
	}
	return c.Defaults.validate()
}

func (g GaussConfig) validate() error {
	u, err := url.Parse(strings.TrimSpace(g.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gauss.base_url must be an absolute URL, got %q", g.BaseURL)
	}
	if g.ProxyPort <= 0 || g.ProxyPort > 65535 {
		return fmt.Errorf("gauss.proxy_port must be a valid TCP port, got %d", g.ProxyPort)
	}
	for _, ip := range g.ProxyIPs {
		if strings.TrimSpace(ip) == "" {
			return fmt.Errorf("gauss.proxy_ips must not contain empty entries")
		}
	}
	if g.RequestTimeout < 0 || g.StreamTimeout < 0 || g.RetryBackoff < 0 {
		return fmt.Errorf("gauss timeouts and retry_backoff must not be negative")
	}
	if g.RetryMax < 0 {
		return fmt.Errorf("gauss.retry_max must not be negative, got %d", g.RetryMax)
	}
	return nil
}

func (d DefaultsConfig) validate() error {
	if strings.TrimSpace(d.Model) == "" {
		return fmt.Errorf("defaults.model must not be empty")
	}
	if d.MaxTokensLimit < 1 {
		return fmt.Errorf("defaults.max_tokens_limit must be at least 1, got %d", d.MaxTokensLimit)
	}
	if d.MaxTokens < 1 {
		return fmt.Errorf("defaults.max_tokens must be at least 1, got %d", d.MaxTokens)
	}
	if d.Temperature <= 0 || d.Temperature >= 1 {
		return fmt.Errorf("defaults.temperature must be inside (0, 1), got %v", d.Temperature)
	}
	if d.TopP <= 0 || d.TopP >= 1 {
		return fmt.Errorf("defaults.top_p must be inside (0, 1), got %v", d.TopP)
	}
	return nil
}

// CredentialsConfigured reports whether both vendor keys are present.
func (g GaussConfig) CredentialsConfigured() bool {
	return strings.TrimSpace(g.PassKey) != "" && strings.TrimSpace(g.ClientKey) != ""
}
