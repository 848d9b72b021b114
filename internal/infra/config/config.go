// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Admin        AdminConfig             `yaml:"admin"`
	Storage      StorageConfig           `yaml:"storage"`
	Cache        CacheConfig             `yaml:"cache"`
	BeatSaver    BeatSaverConfig         `yaml:"beatsaver"`
	Library      LibraryConfig           `yaml:"library"`
	Resolver     ResolverConfig          `yaml:"resolver"`
	Queue        QueueConfig             `yaml:"queue"`
	History      HistoryConfig           `yaml:"history"`
	Wip          WipConfig               `yaml:"wip"`
	Notification NotificationConfig      `yaml:"notification"`
	Webhook      WebhookConfig           `yaml:"webhook"`
	Filters      map[string]FilterConfig `yaml:"filters"`
	Messages     MessagesConfig          `yaml:"messages"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":6557"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// AdminConfig represents admin-related configuration.
// An empty token leaves admin routes unauthenticated.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// StorageConfig represents where snapshots are written.
type StorageConfig struct {
	Dir           string `yaml:"dir" default:"data"`
	QueueFile     string `yaml:"queue_file" default:"queue.json"`
	HistoryFile   string `yaml:"history_file" default:"history.json"`
	BlacklistFile string `yaml:"blacklist_file" default:"blacklist.json"`
	CacheFile     string `yaml:"cache_file" default:"metadata.bin.gz"`
}

// CacheConfig represents the metadata cache snapshot configuration.
// Without a URL only an existing local snapshot is used.
type CacheConfig struct {
	URL                string `yaml:"url" validate:"omitempty,url"`
	MaxAgeHours        int    `yaml:"max_age_hours" default:"12" validate:"gte=1"`
	RefreshIntervalMin int    `yaml:"refresh_interval_min" default:"30" validate:"gte=1"`
	DownloadTimeoutSec int    `yaml:"download_timeout_sec" default:"60" validate:"gte=1"`
}

// BeatSaverConfig represents the remote map API configuration.
type BeatSaverConfig struct {
	BaseURL    string `yaml:"base_url" default:"https://api.beatsaver.com" validate:"required,url"`
	TimeoutSec int    `yaml:"timeout_sec" default:"5" validate:"gte=1,lte=60"`
}

// LibraryConfig represents locally installed content.
type LibraryConfig struct {
	CustomLevelsDir string `yaml:"custom_levels_dir"`
}

// ResolverConfig represents the ordered metadata source chain.
type ResolverConfig struct {
	Sources []SourceConfig `yaml:"sources" validate:"dive"`
}

// SourceConfig represents a single resolver source.
type SourceConfig struct {
	Type     string         `yaml:"type" validate:"required,oneof=local cache remote"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// QueueConfig represents queue engine configuration.
type QueueConfig struct {
	Restore     bool `yaml:"restore" default:"true"`
	OpenOnStart bool `yaml:"open_on_start" default:"true"`
}

// HistoryConfig represents session history configuration.
type HistoryConfig struct {
	SameSessionMinutes int `yaml:"same_session_minutes" default:"60" validate:"gte=0"`
}

// WipConfig represents work-in-progress request configuration.
type WipConfig struct {
	Enabled        bool              `yaml:"enabled" default:"true"`
	MaxSizeMB      int               `yaml:"max_size_mb" default:"30" validate:"gte=1"`
	ProbeTimeout   int               `yaml:"probe_timeout_sec" default:"5" validate:"gte=1"`
	AllowedDomains []string          `yaml:"allowed_domains"`
	CodeTemplates  map[string]string `yaml:"code_templates"`
}

// NotificationConfig represents WebSocket broadcast configuration.
type NotificationConfig struct {
	SendTimeoutMs int  `yaml:"send_timeout_ms" default:"500" validate:"gte=10"`
	QuietSocket   bool `yaml:"quiet_socket"`
}

// WebhookConfig represents outbound webhook configuration.
type WebhookConfig struct {
	URL        string `yaml:"url" validate:"omitempty,url"`
	TimeoutSec int    `yaml:"timeout_sec" default:"5" validate:"gte=1"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// MessagesConfig represents user-facing messages.
type MessagesConfig struct {
	DefaultError     string `yaml:"default_error" default:"Request rejected"`
	QueueClosed      string `yaml:"queue_closed" default:"The queue is closed"`
	Blacklisted      string `yaml:"blacklisted" default:"This map is blacklisted"`
	Duplicate        string `yaml:"duplicate" default:"This map is already in the queue"`
	UserPending      string `yaml:"user_pending" default:"You already have too many requests in the queue"`
	DurationExceeded string `yaml:"duration_exceeded" default:"This map is outside the allowed length"`
	WipDisabled      string `yaml:"wip_disabled" default:"WIP requests are disabled"`
}

var defaultAllowedDomains = []string{
	"dropbox.com",
	"google.com",
	"catbox.moe",
	"github.com",
	"githubusercontent.com",
	"beatsaver.com",
}

var defaultCodeTemplates = map[string]string{
	"0": "https://files.catbox.moe/%s.zip",
	"1": "https://files.catbox.moe/%s.zip",
	"2": "https://litter.catbox.moe/%s.zip",
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	// Defaults go first so explicit false values in the file survive.
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()
	cfg.applyCollectionDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields using creasty/defaults plus the collection
// defaults that struct tags cannot express.
func (c *Config) ApplyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	c.applyCollectionDefaults()
	return nil
}

func (c *Config) applyCollectionDefaults() {
	if len(c.Wip.AllowedDomains) == 0 {
		c.Wip.AllowedDomains = append([]string(nil), defaultAllowedDomains...)
	}
	if len(c.Wip.CodeTemplates) == 0 {
		c.Wip.CodeTemplates = make(map[string]string, len(defaultCodeTemplates))
		for k, v := range defaultCodeTemplates {
			c.Wip.CodeTemplates[k] = v
		}
	}
	if len(c.Resolver.Sources) == 0 {
		c.Resolver.Sources = []SourceConfig{{Type: "local"}, {Type: "cache"}, {Type: "remote"}}
	}
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("MAPREQ_WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := os.Getenv("MAPREQ_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("MAPREQ_CACHE_URL"); v != "" {
		c.Cache.URL = v
	}
	if v := os.Getenv("MAPREQ_CUSTOM_LEVELS_DIR"); v != "" {
		c.Library.CustomLevelsDir = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	for digit, tmpl := range c.Wip.CodeTemplates {
		if len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
			return errors.Newf("wip.code_templates key %q must be a single digit", digit)
		}
		if !strings.Contains(tmpl, "%s") {
			return errors.Newf("wip.code_templates[%s] must contain %%s", digit)
		}
	}

	return nil
}

// GetMessage returns the message for the given rejection code.
func (c *Config) GetMessage(code string) string {
	switch code {
	case "queue_closed":
		return c.Messages.QueueClosed
	case "blacklisted":
		return c.Messages.Blacklisted
	case "duplicate_request":
		return c.Messages.Duplicate
	case "user_pending":
		return c.Messages.UserPending
	case "duration_limit_exceeded":
		return c.Messages.DurationExceeded
	case "wip_disabled":
		return c.Messages.WipDisabled
	default:
		return c.Messages.DefaultError
	}
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// StoragePath joins a snapshot file name onto the storage directory.
func (c *Config) StoragePath(name string) string {
	return filepath.Join(c.Storage.Dir, name)
}

// CacheMaxAge returns the age after which the metadata snapshot is refreshed.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Cache.MaxAgeHours) * time.Hour
}

// SameSessionWindow returns how old a history snapshot may be and still be
// treated as the current session.
func (c *Config) SameSessionWindow() time.Duration {
	return time.Duration(c.History.SameSessionMinutes) * time.Minute
}
