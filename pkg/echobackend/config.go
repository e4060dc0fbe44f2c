package echobackend

import (
	"time"

	"github.com/pkg/errors"
)

// Tenant is one chatbot the backend serves, with the widget keys allowed to connect to it.
type Tenant struct {
	ChatbotID      string   `yaml:"chatbot-id"`
	WidgetKeys     []string `yaml:"widget-keys"`
	WelcomeMessage string   `yaml:"welcome-message"`
	DisplayName    string   `yaml:"display-name"`
}

type Config struct {
	Tenants []Tenant `yaml:"tenants"`

	// ChunkDelay paces streamed chunks; zero streams as fast as possible.
	ChunkDelay   time.Duration `yaml:"chunk-delay" env:"CHUNK_DELAY"`
	SendBuffer   int           `yaml:"send-buffer" env:"SEND_BUFFER"`
	WriteTimeout time.Duration `yaml:"write-timeout" env:"WRITE_TIMEOUT"`
	// IdleTimeout stops a conversation's stream coordinator once no connection is attached.
	IdleTimeout time.Duration `yaml:"idle-timeout" env:"IDLE_TIMEOUT"`

	// MaxHistoryTokens caps the history handed to the responder, oldest turns first out.
	// Zero keeps the last turns regardless of size.
	MaxHistoryTokens int    `yaml:"max-history-tokens" env:"MAX_HISTORY_TOKENS"`
	TokenEncoding    string `yaml:"token-encoding" env:"TOKEN_ENCODING"`
	// ResponderScript is a JavaScript file defining respond(query, history).
	ResponderScript string `yaml:"responder-script" env:"RESPONDER_SCRIPT"`
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.TokenEncoding == "" {
		c.TokenEncoding = DefaultTokenEncoding
	}
	return c
}

func (c Config) Validate() error {
	if len(c.Tenants) == 0 {
		return errors.New("echobackend: at least one tenant is required")
	}
	if c.MaxHistoryTokens < 0 {
		return errors.New("echobackend: max-history-tokens must not be negative")
	}
	seen := map[string]bool{}
	for i, t := range c.Tenants {
		if t.ChatbotID == "" {
			return errors.Errorf("echobackend: tenants[%d]: chatbot-id is required", i)
		}
		if seen[t.ChatbotID] {
			return errors.Errorf("echobackend: duplicate tenant %q", t.ChatbotID)
		}
		seen[t.ChatbotID] = true
		if len(t.WidgetKeys) == 0 {
			return errors.Errorf("echobackend: tenant %q has no widget keys", t.ChatbotID)
		}
	}
	return nil
}
