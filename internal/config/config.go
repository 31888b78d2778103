package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Tenancy modes select the credential policy and request translation rules.
const (
	TenancySingle = "single"
	TenancyMulti  = "multi"
)

const (
	defaultPort                = 7860
	defaultBaseURL             = "https://chatapi.akash.network/api/v1"
	defaultModel               = "DeepSeek-R1"
	defaultReasoningModel      = "o1"
	defaultKeepAliveInterval   = 10 * time.Second
	defaultPlaceholderInterval = 30 * time.Second
	envPrefix                  = "RELAY_"
)

// Config represents the application configuration parsed from YAML and the
// environment. It is loaded once and never mutated afterwards.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port       int  `yaml:"port"`
	ForceHTTPS bool `yaml:"force_https"`
}

// UpstreamConfig describes the chat-completion API requests are forwarded to.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// Model replaces the client's model in single-tenant mode.
	Model string `yaml:"model"`
	// ReasoningModel receives max_output_tokens instead of max_tokens.
	ReasoningModel string  `yaml:"reasoning_model"`
	Headers        Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with an upstream request.
type Headers map[string]string

// AuthConfig holds either the shared password pair or the key table location.
type AuthConfig struct {
	Tenancy         string `yaml:"tenancy"`
	Password        string `yaml:"password"`
	Token           string `yaml:"token"`
	CredentialsFile string `yaml:"credentials_file"`

	// Keys is populated from CredentialsFile by Load.
	Keys map[string]string `yaml:"-"`
}

// RelayConfig tunes the streaming relay.
type RelayConfig struct {
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval"`
	PlaceholderInterval time.Duration `yaml:"placeholder_interval"`
	RenameTag           TagRename     `yaml:"rename_tag"`
}

// TagRename rewrites <From>...</From> markers into <To>...</To>.
type TagRename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: defaultPort},
		Upstream: UpstreamConfig{
			BaseURL:        defaultBaseURL,
			Model:          defaultModel,
			ReasoningModel: defaultReasoningModel,
		},
		Auth: AuthConfig{Tenancy: TenancySingle},
		Relay: RelayConfig{
			KeepAliveInterval:   defaultKeepAliveInterval,
			PlaceholderInterval: defaultPlaceholderInterval,
			RenameTag:           TagRename{From: "think", To: "Thoughts"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the optional YAML file at path, overlays the environment,
// loads the credential table when configured and validates the result.
func Load(path string) (Config, error) {
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

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Auth.CredentialsFile != "" {
		keys, err := LoadCredentials(cfg.Auth.CredentialsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Auth.Keys = keys
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// legacyEnv maps the bare variable names of single-tenant deployments.
var legacyEnv = map[string]string{
	"PORT":         "server.port",
	"PASSWORD":     "auth.password",
	"TOKEN":        "auth.token",
	"UPSTREAM_URL": "upstream.base_url",
}

// envKey translates RELAY_SECTION__FIELD into section.field; unrelated
// variables map to "" and are skipped.
func envKey(name string) string {
	if key, ok := legacyEnv[name]; ok {
		return key
	}
	rest, ok := strings.CutPrefix(name, envPrefix)
	if !ok || rest == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(rest), "__", ".")
}

func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}

// LoadCredentials reads a JSON object mapping client keys to upstream secrets.
func LoadCredentials(path string) (map[string]string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials file %q: %w", absPath, err)
	}

	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse credentials file %q: %w", absPath, err)
	}
	return keys, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	u, err := url.Parse(strings.TrimSpace(c.Upstream.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute URL", c.Upstream.BaseURL)
	}
	for headerKey := range c.Upstream.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("upstream: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	switch c.Auth.Tenancy {
	case TenancySingle:
		if strings.TrimSpace(c.Upstream.Model) == "" {
			return errors.New("upstream.model must be provided in single-tenant mode")
		}
		if c.Auth.Password == "" {
			return errors.New("auth.password must be provided in single-tenant mode")
		}
		if c.Auth.Token == "" {
			return errors.New("auth.token must be provided in single-tenant mode")
		}
	case TenancyMulti:
		if len(c.Auth.Keys) == 0 {
			return errors.New("auth.credentials_file must define at least one key in multi-tenant mode")
		}
		for key, secret := range c.Auth.Keys {
			if key == "" || secret == "" {
				return errors.New("auth credentials must not contain empty keys or secrets")
			}
		}
	default:
		return fmt.Errorf("auth.tenancy %q must be one of %q or %q", c.Auth.Tenancy, TenancySingle, TenancyMulti)
	}

	if c.Relay.KeepAliveInterval <= 0 {
		return fmt.Errorf("relay.keep_alive_interval must be positive, got %s", c.Relay.KeepAliveInterval)
	}
	if c.Relay.PlaceholderInterval < 0 {
		return fmt.Errorf("relay.placeholder_interval must not be negative, got %s", c.Relay.PlaceholderInterval)
	}
	if (c.Relay.RenameTag.From == "") != (c.Relay.RenameTag.To == "") {
		return errors.New("relay.rename_tag requires both from and to, or neither")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// SlogLevel converts the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	name := l.Level
	if name == "" {
		name = "info"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
