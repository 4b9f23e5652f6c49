package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Prefix is the environment variable prefix, e.g. AGENTCHAT_HOST.
const Prefix = "AGENTCHAT"

// Config holds all client configuration.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	ConfigFile  string `envconfig:"CONFIG_FILE" yaml:"-"`

	// Platform
	Host       string `envconfig:"HOST" yaml:"host"`                   // api.example.com
	Scheme     string `envconfig:"SCHEME" default:"wss" yaml:"scheme"` // ws against local servers
	APIBaseURL string `envconfig:"API_BASE_URL" yaml:"api_base_url"`   // defaults to https://{Host}

	// Credential: a static token or a file the identity provider keeps fresh
	Token     string        `envconfig:"TOKEN" yaml:"token"`
	TokenFile string        `envconfig:"TOKEN_FILE" yaml:"token_file"`
	TokenSkew time.Duration `envconfig:"TOKEN_SKEW" default:"30s" yaml:"token_skew"`

	// Run channel
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" yaml:"write_timeout"`
	CommitDelay      time.Duration `envconfig:"COMMIT_DELAY" default:"500ms" yaml:"commit_delay"`
	MaxSessions      int           `envconfig:"MAX_SESSIONS" default:"8" yaml:"max_sessions"`

	// Transcript (disabled when the path is empty)
	TranscriptPath      string        `envconfig:"TRANSCRIPT_PATH" yaml:"transcript_path"`
	TranscriptRetention time.Duration `envconfig:"TRANSCRIPT_RETENTION" default:"168h" yaml:"transcript_retention"`

	// Local status server (disabled when the address is empty)
	StatusAddr   string `envconfig:"STATUS_ADDR" yaml:"status_addr"`
	StatusAPIKey string `envconfig:"STATUS_API_KEY" yaml:"status_api_key"`
}

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// BaseURL returns the chat API base URL.
func (c *Config) BaseURL() string {
	if c.APIBaseURL != "" {
		return strings.TrimSuffix(c.APIBaseURL, "/")
	}
	scheme := "https"
	if c.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + c.Host
}

// StatusEnabled returns true if the status server should run.
func (c *Config) StatusEnabled() bool {
	return c.StatusAddr != ""
}

// TranscriptEnabled returns true if frames should be journaled.
func (c *Config) TranscriptEnabled() bool {
	return c.TranscriptPath != ""
}

// Validate checks what every command that talks to the platform needs.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%s_HOST is required", Prefix)
	}
	if c.Scheme != "ws" && c.Scheme != "wss" {
		return fmt.Errorf("%s_SCHEME must be ws or wss, got %q", Prefix, c.Scheme)
	}
	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("one of %s_TOKEN or %s_TOKEN_FILE is required", Prefix, Prefix)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("%s_MAX_SESSIONS must be >= 1", Prefix)
	}
	return nil
}

// Load reads configuration from AGENTCHAT_* environment variables, then
// applies the YAML file named by AGENTCHAT_CONFIG_FILE if set. Keys present in
// the file override the environment.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// ApplyFile overlays a YAML file onto cfg. ${VAR} references are expanded.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return c.ApplyBytes(raw)
}

// ApplyBytes overlays YAML data onto c (useful for testing).
func (c *Config) ApplyBytes(data []byte) error {
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value. Missing
// vars become empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
