package widgetchat

import (
	"context"
	"sync"
)

type ComposerConfig struct {
	// MaxMessagesPerConversation caps the number of user messages in the local list. Zero means
	// unlimited.
	MaxMessagesPerConversation int `yaml:"max-messages-per-conversation" env:"MAX_MESSAGES_PER_CONVERSATION"`
}

// Composer holds the draft input of one widget and forwards it to the Session.
type Composer struct {
	session *Session
	cfg     ComposerConfig

	mu    sync.Mutex
	draft string
}

func NewComposer(session *Session, cfg ComposerConfig) *Composer {
	return &Composer{session: session, cfg: cfg}
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetDraft replaces the draft and feeds the typing indicator.
func (c *Composer) SetDraft(ctx context.Context, value string) error {
	c.mu.Lock()
	c.draft = value
	c.mu.Unlock()
	return c.session.Keystroke(ctx, value)
}

// Submit sends the current draft. The draft is cleared only when the turn was accepted.
func (c *Composer) Submit(ctx context.Context) error {
	c.mu.Lock()
	text := c.draft
	c.mu.Unlock()

	var res error
	if err := c.session.call(ctx, func() {
		res = c.session.submit(text, c.cfg.MaxMessagesPerConversation)
	}); err != nil {
		return err
	}
	if res != nil {
		return res
	}

	c.mu.Lock()
	if c.draft == text {
		c.draft = ""
	}
	c.mu.Unlock()
	return nil
}
