// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	PlatformMattermost = "mattermost"
	PlatformMatrix     = "matrix"
)

var validate = validator.New()

// Config holds the mirror configuration.
type Config struct {
	Platform   string           `yaml:"platform" validate:"required,oneof=mattermost matrix"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Matrix     MatrixConfig     `yaml:"matrix"`

	SourceFeed  string   `yaml:"source_feed" validate:"required"`
	TargetFeeds []string `yaml:"target_feeds" validate:"required,min=1,unique,dive,required"`
	// MessageTemplate renders the copied text. Defaults to "{{.Text}}".
	MessageTemplate string `yaml:"message_template"`

	Database             string `yaml:"database" validate:"required"`
	Workers              int    `yaml:"workers" validate:"gte=1"`
	QueueSize            int    `yaml:"queue_size" validate:"gte=0"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds" validate:"gte=0"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Backfill  BackfillConfig  `yaml:"backfill"`

	// AdminAPIAddr is the listen address of the admin HTTP API. Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`

	messageTemplate *template.Template `yaml:"-"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url" validate:"omitempty,url"`
	Token     string `yaml:"token"`
	// BotPrefix is a username prefix for echo prevention. Posts from any
	// username starting with it are never mirrored.
	BotPrefix string `yaml:"bot_prefix"`
}

type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url" validate:"omitempty,url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`
	CooldownSeconds  int `yaml:"cooldown_seconds" validate:"gte=0"`
}

type BackfillConfig struct {
	OnStartup             bool `yaml:"on_startup"`
	UseCursor             bool `yaml:"use_cursor"`
	PageSize              int  `yaml:"page_size" validate:"gte=0,lte=1000"`
	MaxMessages           int  `yaml:"max_messages" validate:"gte=0"`
	MaxAttempts           uint `yaml:"max_attempts"`
	PermanentRetryPasses  uint `yaml:"permanent_retry_passes"`
	InitialBackoffSeconds int  `yaml:"initial_backoff_seconds" validate:"gte=0"`
	MaxBackoffSeconds     int  `yaml:"max_backoff_seconds" validate:"gte=0"`
	ConstantBackoff       bool `yaml:"constant_backoff"`
}

// TemplateParams holds the parameters for rendering the message template.
type TemplateParams struct {
	Text       string
	SenderID   string
	SourceFeed string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and compiles the message template.
func (c *Config) PostProcess() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	switch c.Platform {
	case PlatformMattermost:
		if c.Mattermost.ServerURL == "" || c.Mattermost.Token == "" {
			errs = append(errs, errors.New("mattermost.server_url and mattermost.token are required"))
		}
	case PlatformMatrix:
		if c.Matrix.HomeserverURL == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("matrix.homeserver_url, matrix.user_id and matrix.access_token are required"))
		}
	}
	if !validFeedID(c.Platform, c.SourceFeed) {
		errs = append(errs, fmt.Errorf("source_feed %q is not a valid %s id", c.SourceFeed, c.Platform))
	}
	for _, target := range c.TargetFeeds {
		if target == c.SourceFeed {
			errs = append(errs, fmt.Errorf("target_feeds must not contain the source feed %q", target))
		} else if !validFeedID(c.Platform, target) {
			errs = append(errs, fmt.Errorf("target feed %q is not a valid %s id", target, c.Platform))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	tmpl := c.MessageTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "{{.Text}}"
	}
	var err error
	c.messageTemplate, err = template.New("message").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("invalid message_template: %w", err)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "platform")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str, "source_feed")
	helper.Copy(up.List, "target_feeds")
	helper.Copy(up.Str, "message_template")
	helper.Copy(up.Str, "database")
	helper.Copy(up.Int, "workers")
	helper.Copy(up.Int, "queue_size")
	helper.Copy(up.Int, "shutdown_grace_seconds")
	helper.Copy(up.Float|up.Int, "rate_limit", "per_second")
	helper.Copy(up.Int, "rate_limit", "burst")
	helper.Copy(up.Int, "breaker", "failure_threshold")
	helper.Copy(up.Int, "breaker", "cooldown_seconds")
	helper.Copy(up.Bool, "backfill", "on_startup")
	helper.Copy(up.Bool, "backfill", "use_cursor")
	helper.Copy(up.Int, "backfill", "page_size")
	helper.Copy(up.Int, "backfill", "max_messages")
	helper.Copy(up.Int, "backfill", "max_attempts")
	helper.Copy(up.Int, "backfill", "permanent_retry_passes")
	helper.Copy(up.Int, "backfill", "initial_backoff_seconds")
	helper.Copy(up.Int, "backfill", "max_backoff_seconds")
	helper.Copy(up.Bool, "backfill", "constant_backoff")
	helper.Copy(up.Str|up.Null, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader that merges a user config onto the
// embedded example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"mattermost"},
			{"source_feed"},
			{"database"},
			{"workers"},
			{"rate_limit"},
			{"backfill"},
			{"admin_api_addr"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads the config file at path, upgrading it in place when save
// is set, and validates the result.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FormatText renders the copied text from the template and params.
func (c *Config) FormatText(params TemplateParams) string {
	if c.messageTemplate == nil {
		return params.Text
	}
	var buf strings.Builder
	if err := c.messageTemplate.Execute(&buf, params); err != nil {
		return params.Text
	}
	return buf.String()
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
