package config

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config models wagerline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auth      struct {
		JWTSecret       string `yaml:"jwt_secret"`
		AllowUserHeader bool   `yaml:"allow_user_header"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Notify struct {
		Log     bool          `yaml:"log"`
		Webhook WebhookConfig `yaml:"webhook"`
	} `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	Batch         int           `yaml:"batch"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Concurrency   int           `yaml:"concurrency"`
}

// WebhookConfig is an HTTP endpoint. Under notify it receives missed
// milestones; under webhooks it receives the audit events listed in Events
// (all events when empty).
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

func (w WebhookConfig) Timeout() time.Duration {
	if w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.Newf("config.server.base_path must start with /, got %q", c.Server.BasePath)
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("config.scheduler.poll_interval must be positive")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return errors.New("config.scheduler.max_attempts must be positive")
	}
	if c.Scheduler.RetryAttempts == 0 {
		return errors.New("config.scheduler.retry_attempts must be positive")
	}
	if c.Scheduler.Concurrency <= 0 {
		return errors.New("config.scheduler.concurrency must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Newf("config.log.format must be text or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("config.log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Notify.Webhook.URL != "" {
		if err := checkURL(c.Notify.Webhook.URL); err != nil {
			return errors.Wrap(err, "config.notify.webhook.url")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return errors.Newf("config.webhooks[%d].url is required", i)
		}
		if err := checkURL(hook.URL); err != nil {
			return errors.Wrapf(err, "config.webhooks[%d].url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return errors.Newf("config.webhooks[%d] has an empty event type", i)
			}
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wagerline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load reads wagerline.yml from the workspace, falling back to the defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

database:
  # empty means <workspace>/.wagerline/wagerline.db
  path: ""

scheduler:
  poll_interval: 2s
  batch: 100
  max_attempts: 5
  retry_attempts: 3
  retry_delay: 50ms
  concurrency: 8

auth:
  # HS256 secret for bearer tokens; the token subject is the user id
  jwt_secret: ""
  # accept X-User-Id as the caller identity (local use only)
  allow_user_header: true

log:
  level: info
  format: text

notify:
  log: true
  webhook:
    url: ""
    secret: ""
    timeout_seconds: 5

webhooks: []
`
