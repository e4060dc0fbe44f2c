package widgetchat

import (
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderAgent     Sender = "agent"
	// SenderSystem marks short local notices, e.g. an operator joining the conversation.
	SenderSystem Sender = "system"
)

func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAssistant, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// role maps a sender onto the request-stream history role.
func (s Sender) role() string {
	if s == SenderUser {
		return "user"
	}
	return "assistant"
}

type Reactions struct {
	Liked    bool `json:"liked"`
	Disliked bool `json:"disliked"`
}

// ChatMessage is one entry of the local message list. Provisional messages carry a client
// generated id until a durable server message replaces or adopts them.
type ChatMessage struct {
	ID          string
	Content     string
	Timestamp   time.Time
	Sender      Sender
	Reactions   *Reactions
	Provisional bool
}

func (m ChatMessage) clone() ChatMessage {
	if m.Reactions != nil {
		r := *m.Reactions
		m.Reactions = &r
	}
	return m
}

// ConversationSession is the confirmed identity of the live conversation.
type ConversationSession struct {
	ConversationID string
	ChatbotID      string
	WidgetKey      string
	JoinedAt       time.Time
	DisplayName    string
}

// StreamBuffer accumulates one in-flight assistant turn.
type StreamBuffer struct {
	ProvisionalMessageID string
	AccumulatedText      string
}

type pendingQuery struct {
	Query     string
	MessageID string
}

type messageList []ChatMessage

func (l messageList) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range l {
		if l[i].ID == id {
			return i
		}
	}
	return -1
}

// indexNear finds the most recent message from the same sender with identical content whose
// timestamp lies within window of ts.
func (l messageList) indexNear(sender Sender, content string, ts time.Time, window time.Duration) int {
	for i := len(l) - 1; i >= 0; i-- {
		m := l[i]
		if m.Sender != sender || m.Content != content {
			continue
		}
		d := m.Timestamp.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return i
		}
	}
	return -1
}

func (l messageList) countSender(sender Sender) int {
	n := 0
	for _, m := range l {
		if m.Sender == sender {
			n++
		}
	}
	return n
}

// history returns the last n conversational turns, skipping system notices, empty content and
// the message with id exclude.
func (l messageList) history(n int, exclude string) []HistoryTurn {
	turns := make([]HistoryTurn, 0, len(l))
	for _, m := range l {
		if m.ID == exclude || m.Sender == SenderSystem || m.Content == "" {
			continue
		}
		turns = append(turns, HistoryTurn{Role: m.Sender.role(), Content: m.Content})
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

func (l messageList) clone() []ChatMessage {
	out := make([]ChatMessage, len(l))
	for i, m := range l {
		out[i] = m.clone()
	}
	return out
}
