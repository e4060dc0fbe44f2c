package widgetchat

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultHistoryWindow     = 8
	DefaultWelcomeMessage    = "Hi! How can I help you today?"
	DefaultUserEchoWindow    = time.Second
	DefaultDuplicateWindow   = 5 * time.Second
	DefaultTypingIdle        = 1500 * time.Millisecond
	DefaultJoinTimeout       = 15 * time.Second
	DefaultStreamIdleTimeout = 60 * time.Second
)

// SessionConfig configures a Session. Zero durations and counts take the defaults; a negative
// timeout disables it.
type SessionConfig struct {
	ChatbotID string `yaml:"-"`
	WidgetKey string `yaml:"-"`

	// HistoryWindow bounds the number of prior turns sent with each query.
	HistoryWindow  int    `yaml:"history-window" env:"HISTORY_WINDOW"`
	WelcomeMessage string `yaml:"welcome-message" env:"WELCOME_MESSAGE"`

	// UserEchoWindow collapses identical optimistic user messages submitted this close together.
	UserEchoWindow time.Duration `yaml:"user-echo-window" env:"USER_ECHO_WINDOW"`
	// DuplicateWindow is the timestamp proximity under which same-content messages without a
	// shared id are treated as one.
	DuplicateWindow time.Duration `yaml:"duplicate-window" env:"DUPLICATE_WINDOW"`
	TypingIdle      time.Duration `yaml:"typing-idle" env:"TYPING_IDLE"`

	JoinTimeout       time.Duration `yaml:"join-timeout" env:"JOIN_TIMEOUT"`
	StreamIdleTimeout time.Duration `yaml:"stream-idle-timeout" env:"STREAM_IDLE_TIMEOUT"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{}.withDefaults()
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.WelcomeMessage == "" {
		c.WelcomeMessage = DefaultWelcomeMessage
	}
	if c.UserEchoWindow <= 0 {
		c.UserEchoWindow = DefaultUserEchoWindow
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = DefaultTypingIdle
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	return c
}

func (c SessionConfig) Validate() error {
	if c.ChatbotID == "" {
		return errors.New("session config: chatbot id is required")
	}
	if c.WidgetKey == "" {
		return errors.New("session config: widget key is required")
	}
	return nil
}
