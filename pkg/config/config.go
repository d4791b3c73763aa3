// Package config loads the process configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"labelsync/pkg/logger"
)

// Config holds all configuration for the service
type Config struct {
	GitHub     GitHubConfig     `mapstructure:"github"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Server     ServerConfig     `mapstructure:"server"`
	Syncer     SyncerConfig     `mapstructure:"syncer"`
	Log        logger.Config    `mapstructure:"log"`
	Slack      SlackConfig      `mapstructure:"slack"`
	CloudWatch CloudWatchConfig `mapstructure:"cloudwatch"`
}

// GitHubConfig holds the GitHub App credentials
type GitHubConfig struct {
	AppID          int64  `mapstructure:"app_id" default:"0"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	// APIURL targets GitHub Enterprise; empty means api.github.com
	APIURL string `mapstructure:"api_url"`
	// BotLogin is the login of the app's bot user, whose label events are
	// ignored. serve looks it up from the app slug when empty.
	BotLogin         string `mapstructure:"bot_login"`
	ConfigRepository string `mapstructure:"config_repository" default:"github-labels"`
	ConfigPath       string `mapstructure:"config_path" default:"labels.yml"`
}

// QueueConfig locates the task queue
type QueueConfig struct {
	// Addr is a redis:// URL or host:port
	Addr string `mapstructure:"addr"`
	Name string `mapstructure:"name" default:"labelsync"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr string `mapstructure:"addr" default:":8080"`

	// AdminToken guards the /tasks admin API; empty disables it
	AdminToken string `mapstructure:"admin_token"`
}

// SyncerConfig configures the worker loop
type SyncerConfig struct {
	Interval    time.Duration `mapstructure:"interval" default:"10s"`
	Workers     int           `mapstructure:"workers" default:"8"`
	Concurrency int           `mapstructure:"concurrency" default:"4"`
}

// SlackConfig enables slack hooks when Token is set
type SlackConfig struct {
	Token string `mapstructure:"token"`
}

// CloudWatchConfig enables the CloudWatch log sink when Group is set
type CloudWatchConfig struct {
	Group  string `mapstructure:"group"`
	Stream string `mapstructure:"stream" default:"labelsync"`
	Region string `mapstructure:"region"`
}

// LoadConfig loads configuration from environment variables and the .env
// file in dir, if any. Nested keys map to upper-case variables joined by
// underscores: github.app_id is GITHUB_APP_ID.
func LoadConfig(dir string) (*Config, error) {
	envPath := ".env"
	if dir != "" && dir != "." {
		envPath = filepath.Join(dir, ".env")
	}

	// A missing .env is normal in production
	_ = godotenv.Overload(envPath)

	v := viper.New()
	bindValues(v, Config{}, "")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &config, nil
}

// bindValues registers every key with its default from the struct tags so
// AutomaticEnv picks it up
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		v.SetDefault(key, field.Tag.Get("default"))
	}
}

// Validate checks the values the service cannot start without
func (c *Config) Validate() error {
	var missing []string

	if c.GitHub.AppID <= 0 {
		missing = append(missing, "GITHUB_APP_ID")
	}
	if c.GitHub.WebhookSecret == "" {
		missing = append(missing, "GITHUB_WEBHOOK_SECRET")
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
		missing = append(missing, "GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH")
	}
	if c.Queue.Addr == "" {
		missing = append(missing, "QUEUE_ADDR")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Syncer.Interval <= 0 {
		return errors.New("SYNCER_INTERVAL must be positive")
	}
	return nil
}

// PrivateKeyPEM returns the app's private key, reading it from
// PrivateKeyPath when it is not set inline
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.GitHub.PrivateKey != "" {
		// Keys passed through env files often carry escaped newlines
		return []byte(strings.ReplaceAll(c.GitHub.PrivateKey, `\n`, "\n")), nil
	}

	data, err := os.ReadFile(c.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return data, nil
}
