package echobackend

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

// conversation is the backend-side record of one conversation: its transcript, reactions and the
// connections currently attached to it.
type conversation struct {
	id        string
	chatbotID string
	widgetKey string

	mu          sync.Mutex
	messages    []widgetchat.WireMessage
	reactions   map[string]widgetchat.Reactions
	displayName string
	ended       bool

	// turnMu serializes assistant turns.
	turnMu sync.Mutex

	pool       *ConnectionPool
	subscriber message.Subscriber
	coord      *StreamCoordinator
}

func newConversation(id string, tenant *Tenant, widgetKey string, subscriber message.Subscriber, idleTimeout time.Duration) *conversation {
	c := &conversation{
		id:          id,
		chatbotID:   tenant.ChatbotID,
		widgetKey:   widgetKey,
		reactions:   map[string]widgetchat.Reactions{},
		displayName: tenant.DisplayName,
		subscriber:  subscriber,
	}
	c.pool = NewConnectionPool(id, idleTimeout, c.stopCoordinator)
	return c
}

// ensureCoordinator starts a fresh coordinator when none is running.
func (c *conversation) ensureCoordinator(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord != nil && c.coord.IsRunning() {
		return nil
	}
	c.coord = NewStreamCoordinator(c.id, c.subscriber, func(frame []byte) {
		log.Trace().Str("component", "echobackend").Str("conv_id", c.id).Int("bytes", len(frame)).Msg("broadcast frame")
		c.pool.Broadcast(frame)
	})
	return c.coord.Start(ctx)
}

func (c *conversation) stopCoordinator() {
	c.mu.Lock()
	coord := c.coord
	c.coord = nil
	c.mu.Unlock()
	if coord != nil {
		log.Debug().Str("component", "echobackend").Str("conv_id", c.id).Msg("conversation idle, stopping stream coordinator")
		coord.Stop()
	}
}

func (c *conversation) add(m widgetchat.WireMessage) widgetchat.WireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return m
}

// transcript returns the messages with their current reactions attached.
func (c *conversation) transcript() []widgetchat.WireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]widgetchat.WireMessage, len(c.messages))
	for i, m := range c.messages {
		if r, ok := c.reactions[m.MessageID]; ok {
			m.Reactions = &r
		}
		out[i] = m
	}
	return out
}

// history returns the turns preceding index end, bounded to the last n.
func (c *conversation) history(end, n int) []widgetchat.HistoryTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if end > len(c.messages) {
		end = len(c.messages)
	}
	var turns []widgetchat.HistoryTurn
	for _, m := range c.messages[:end] {
		role := "assistant"
		if m.Sender == widgetchat.SenderUser {
			role = "user"
		}
		turns = append(turns, widgetchat.HistoryTurn{Role: role, Content: m.Content})
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

// promptFor finds the user turn an assistant message answered.
func (c *conversation) promptFor(messageID string) (query string, index int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i, m := range c.messages {
		if m.MessageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 || c.messages[idx].Sender == widgetchat.SenderUser {
		return "", 0, false
	}
	for i := idx - 1; i >= 0; i-- {
		if c.messages[i].Sender == widgetchat.SenderUser {
			return c.messages[i].Content, i, true
		}
	}
	return "", 0, false
}

// toggle applies a like/dislike intent and returns the resulting state.
func (c *conversation) toggle(messageID string, kind widgetchat.ReactionKind) (widgetchat.Reactions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, m := range c.messages {
		if m.MessageID == messageID {
			found = true
			break
		}
	}
	if !found {
		return widgetchat.Reactions{}, false
	}
	r := c.reactions[messageID]
	switch kind {
	case widgetchat.ReactionLike:
		r.Liked = !r.Liked
		if r.Liked {
			r.Disliked = false
		}
	case widgetchat.ReactionDislike:
		r.Disliked = !r.Disliked
		if r.Disliked {
			r.Liked = false
		}
	}
	c.reactions[messageID] = r
	return r, true
}

func (c *conversation) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *conversation) markEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	return true
}

func (c *conversation) setDisplayName(name string) {
	c.mu.Lock()
	c.displayName = name
	c.mu.Unlock()
}

func (c *conversation) getDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}
