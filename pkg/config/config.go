// Package config loads widget-chat settings. Values start from Default, are overlaid by an
// optional YAML file and then by WIDGETCHAT_* environment variables. Command line flags are
// applied last by the commands themselves.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/widgetchat/pkg/echobackend"
	"github.com/go-go-golems/widgetchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/widgetchat/pkg/redisstream"
	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

const EnvPrefix = "WIDGETCHAT_"

type Settings struct {
	LogLevel string `yaml:"log-level" env:"LOG_LEVEL"`

	Transport TransportSettings         `yaml:"transport" envPrefix:"TRANSPORT_"`
	Session   widgetchat.SessionConfig  `yaml:"session" envPrefix:"SESSION_"`
	Composer  widgetchat.ComposerConfig `yaml:"composer" envPrefix:"COMPOSER_"`
	Store     StoreSettings             `yaml:"store" envPrefix:"STORE_"`
	Server    ServerSettings            `yaml:"server" envPrefix:"SERVER_"`
	Redis     redisstream.Settings      `yaml:"redis" envPrefix:"REDIS_"`
}

type TransportSettings struct {
	URL            string                     `yaml:"url" env:"URL"`
	Auth           widgetchat.AuthParams      `yaml:"auth"`
	ConnectTimeout time.Duration              `yaml:"connect-timeout" env:"CONNECT_TIMEOUT"`
	PingInterval   time.Duration              `yaml:"ping-interval" env:"PING_INTERVAL"`
	Reconnect      widgetchat.ReconnectPolicy `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

type StoreSettings struct {
	kvstore.Settings `yaml:",inline"`
	Key              string        `yaml:"key" env:"KEY"`
	TTL              time.Duration `yaml:"ttl" env:"TTL"`
}

// ServerSettings configures the reference backend started by `serve`.
type ServerSettings struct {
	Listen      string             `yaml:"listen" env:"LISTEN"`
	MetricsPath string             `yaml:"metrics-path" env:"METRICS_PATH"`
	Backend     echobackend.Config `yaml:"backend" envPrefix:"BACKEND_"`
}

func Default() *Settings {
	return &Settings{
		LogLevel: "info",
		Transport: TransportSettings{
			URL: "ws://localhost:8080/ws",
			Auth: widgetchat.AuthParams{
				ChatbotID: "demo",
				WidgetKey: "demo-key",
			},
			ConnectTimeout: 10 * time.Second,
			PingInterval:   30 * time.Second,
			Reconnect: widgetchat.ReconnectPolicy{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		},
		Session: widgetchat.DefaultSessionConfig(),
		Store: StoreSettings{
			Settings: kvstore.Settings{
				Backend:     kvstore.BackendSQLite,
				SQLitePath:  defaultSQLitePath(),
				RedisAddr:   "localhost:6379",
				RedisPrefix: "widgetchat:",
			},
			Key: widgetchat.DefaultStorageKey,
			TTL: widgetchat.DefaultSessionTTL,
		},
		Server: ServerSettings{
			Listen:      ":8080",
			MetricsPath: "/metrics",
			Backend: echobackend.Config{
				Tenants: []echobackend.Tenant{{
					ChatbotID:      "demo",
					WidgetKeys:     []string{"demo-key"},
					WelcomeMessage: widgetchat.DefaultWelcomeMessage,
					DisplayName:    "Echo",
				}},
				ChunkDelay:   30 * time.Millisecond,
				SendBuffer:   64,
				WriteTimeout: 5 * time.Second,
				IdleTimeout:  5 * time.Minute,
			},
		},
		Redis: redisstream.DefaultSettings(),
	}
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "widgetchat-session.db"
	}
	return filepath.Join(dir, "widgetchat", "session.db")
}

// Load reads path (optional) and the process environment.
func Load(path string) (*Settings, error) {
	return LoadWithEnvironment(path, nil)
}

// LoadWithEnvironment is Load with an explicit environment; nil means the process environment.
func LoadWithEnvironment(path string, environ map[string]string) (*Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(s, opts); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel)); err != nil {
		return errors.Wrapf(err, "config: log-level %q", s.LogLevel)
	}
	switch kvstore.Backend(strings.ToLower(string(s.Store.Backend))) {
	case kvstore.BackendMemory, kvstore.BackendSQLite, kvstore.BackendRedis:
	default:
		return errors.Errorf("config: unknown store backend %q", s.Store.Backend)
	}
	if s.Store.Backend == kvstore.BackendSQLite && s.Store.SQLitePath == "" {
		return errors.New("config: store.sqlite-path is required for the sqlite backend")
	}
	if s.Store.TTL < 0 {
		return errors.New("config: store.ttl must not be negative")
	}
	if s.Composer.MaxMessagesPerConversation < 0 {
		return errors.New("config: composer.max-messages-per-conversation must not be negative")
	}
	return nil
}

// ValidateClient checks the settings the chat client needs on top of Validate.
func (s *Settings) ValidateClient() error {
	if s.Transport.URL == "" {
		return errors.New("config: transport.url is required")
	}
	return s.SessionConfig().Validate()
}

// SessionConfig returns the session settings bound to the configured chatbot and widget key.
func (s *Settings) SessionConfig() widgetchat.SessionConfig {
	cfg := s.Session
	cfg.ChatbotID = s.Transport.Auth.ChatbotID
	cfg.WidgetKey = s.Transport.Auth.WidgetKey
	return cfg
}

func (s *Settings) TransportConfig() widgetchat.WSTransportConfig {
	return widgetchat.WSTransportConfig{
		URL:            s.Transport.URL,
		Auth:           s.Transport.Auth,
		ConnectTimeout: s.Transport.ConnectTimeout,
		PingInterval:   s.Transport.PingInterval,
		Reconnect:      s.Transport.Reconnect,
	}
}

// Level returns the parsed log level, falling back to info.
func (s *Settings) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
