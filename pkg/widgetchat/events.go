package widgetchat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EventName is the wire name of an event. Some names (typing, react-message) are used in both
// directions with different payloads, so decoding is always direction specific.
type EventName string

const (
	// client -> backend
	EventJoinConversation EventName = "join-conversation"
	EventRequestStream    EventName = "request-stream"
	EventTyping           EventName = "typing"
	EventReactMessage     EventName = "react-message"

	// backend -> client
	EventMessage             EventName = "message"
	EventStreamChunk         EventName = "stream-chunk"
	EventStreamComplete      EventName = "stream-complete"
	EventStreamError         EventName = "stream-error"
	EventConversationStarted EventName = "conversation-started"
	EventJoin                EventName = "join"
	EventConversationEnded   EventName = "conversation-ended"

	// synthesized locally by the transport
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
	EventConnectError EventName = "connect-error"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Event is implemented by every inbound and outbound event variant.
type Event interface {
	Name() EventName
}

type validator interface {
	Validate() error
}

// Frame is the JSON envelope carried by every websocket text frame.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Timestamp accepts RFC3339 strings or epoch milliseconds and always marshals as RFC3339.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if str == "" {
			t.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return errors.Wrapf(err, "parse timestamp %q", str)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(err, "parse timestamp %s", s)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

// WireMessage is a message as exchanged with the backend.
type WireMessage struct {
	MessageID string     `json:"messageId,omitempty"`
	Content   string     `json:"content"`
	Sender    Sender     `json:"sender"`
	Timestamp Timestamp  `json:"timestamp"`
	Reactions *Reactions `json:"reactions,omitempty"`
}

// MessageReaction is a reaction state for one message, as carried by join notifications.
type MessageReaction struct {
	MessageID string `json:"messageId"`
	Liked     bool   `json:"liked"`
	Disliked  bool   `json:"disliked"`
}

// HistoryTurn is one entry of the bounded context window sent with a query.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamContext accompanies every request-stream.
type StreamContext struct {
	ChatbotID      string        `json:"chatbotId"`
	WidgetKey      string        `json:"widgetKey"`
	ConversationID string        `json:"conversationId"`
	History        []HistoryTurn `json:"history"`
}

// ReactionKind is the intent carried by an outbound react-message.
type ReactionKind string

const (
	ReactionLike       ReactionKind = "like"
	ReactionDislike    ReactionKind = "dislike"
	ReactionRegenerate ReactionKind = "regenerate"
)

func (k ReactionKind) Valid() bool {
	switch k {
	case ReactionLike, ReactionDislike, ReactionRegenerate:
		return true
	}
	return false
}

// --- outbound ---

type JoinConversationIntent struct {
	ConversationID string `json:"conversationId,omitempty"`
}

func (*JoinConversationIntent) Name() EventName { return EventJoinConversation }

type RequestStreamIntent struct {
	Query   string        `json:"query"`
	Context StreamContext `json:"context"`
}

func (*RequestStreamIntent) Name() EventName { return EventRequestStream }

func (e *RequestStreamIntent) Validate() error {
	if strings.TrimSpace(e.Query) == "" {
		return errors.Wrap(ErrInvalidPayload, "query is required")
	}
	return nil
}

type TypingIntent struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

func (*TypingIntent) Name() EventName { return EventTyping }

func (e *TypingIntent) Validate() error {
	if e.ConversationID == "" {
		return errors.Wrap(ErrInvalidPayload, "conversationId is required")
	}
	return nil
}

type ReactIntent struct {
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	Reaction       ReactionKind `json:"reaction"`
}

func (*ReactIntent) Name() EventName { return EventReactMessage }

func (e *ReactIntent) Validate() error {
	switch {
	case e.ConversationID == "":
		return errors.Wrap(ErrInvalidPayload, "conversationId is required")
	case e.MessageID == "":
		return errors.Wrap(ErrInvalidPayload, "messageId is required")
	case !e.Reaction.Valid():
		return errors.Wrapf(ErrInvalidPayload, "unknown reaction %q", e.Reaction)
	}
	return nil
}

// --- inbound ---

type MessageEvent struct {
	Message *WireMessage `json:"message"`
}

func (*MessageEvent) Name() EventName { return EventMessage }

func (e *MessageEvent) Validate() error {
	if e.Message == nil {
		return errors.Wrap(ErrInvalidPayload, "message is required")
	}
	if !e.Message.Sender.Valid() {
		return errors.Wrapf(ErrInvalidPayload, "unknown sender %q", e.Message.Sender)
	}
	return nil
}

type TypingEvent struct {
	Sender   Sender `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

func (*TypingEvent) Name() EventName { return EventTyping }

type StreamChunkEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	Chunk          string `json:"chunk"`
}

func (*StreamChunkEvent) Name() EventName { return EventStreamChunk }

type StreamCompleteEvent struct{}

func (*StreamCompleteEvent) Name() EventName { return EventStreamComplete }

type StreamErrorEvent struct {
	Detail string `json:"error,omitempty"`
}

func (*StreamErrorEvent) Name() EventName { return EventStreamError }

type ConversationStartedEvent struct {
	ConversationID string        `json:"conversationId"`
	Messages       []WireMessage `json:"messages,omitempty"`
	WelcomeMessage string        `json:"welcomeMessage,omitempty"`
	DisplayName    string        `json:"displayName,omitempty"`
}

func (*ConversationStartedEvent) Name() EventName { return EventConversationStarted }

func (e *ConversationStartedEvent) Validate() error {
	if e.ConversationID == "" {
		return errors.Wrap(ErrInvalidPayload, "conversationId is required")
	}
	for i, m := range e.Messages {
		if !m.Sender.Valid() {
			return errors.Wrapf(ErrInvalidPayload, "messages[%d]: unknown sender %q", i, m.Sender)
		}
	}
	return nil
}

type JoinEvent struct {
	ConversationID string            `json:"conversationId,omitempty"`
	Message        string            `json:"message,omitempty"`
	DisplayName    string            `json:"displayName,omitempty"`
	Reactions      []MessageReaction `json:"reactions,omitempty"`
}

func (*JoinEvent) Name() EventName { return EventJoin }

type ConversationEndedEvent struct{}

func (*ConversationEndedEvent) Name() EventName { return EventConversationEnded }

type ReactionEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Liked          bool   `json:"liked"`
	Disliked       bool   `json:"disliked"`
}

func (*ReactionEvent) Name() EventName { return EventReactMessage }

func (e *ReactionEvent) Validate() error {
	switch {
	case e.ConversationID == "":
		return errors.Wrap(ErrInvalidPayload, "conversationId is required")
	case e.MessageID == "":
		return errors.Wrap(ErrInvalidPayload, "messageId is required")
	}
	return nil
}

// --- transport lifecycle ---

type ConnectedEvent struct{}

func (*ConnectedEvent) Name() EventName { return EventConnected }

type DisconnectedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (*DisconnectedEvent) Name() EventName { return EventDisconnected }

type ConnectErrorEvent struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	Err    error     `json:"-"`
}

func (*ConnectErrorEvent) Name() EventName { return EventConnectError }

var inboundEvents = map[EventName]func() Event{
	EventMessage:             func() Event { return &MessageEvent{} },
	EventTyping:              func() Event { return &TypingEvent{} },
	EventStreamChunk:         func() Event { return &StreamChunkEvent{} },
	EventStreamComplete:      func() Event { return &StreamCompleteEvent{} },
	EventStreamError:         func() Event { return &StreamErrorEvent{} },
	EventConversationStarted: func() Event { return &ConversationStartedEvent{} },
	EventJoin:                func() Event { return &JoinEvent{} },
	EventConversationEnded:   func() Event { return &ConversationEndedEvent{} },
	EventReactMessage:        func() Event { return &ReactionEvent{} },
}

var outboundEvents = map[EventName]func() Event{
	EventJoinConversation: func() Event { return &JoinConversationIntent{} },
	EventRequestStream:    func() Event { return &RequestStreamIntent{} },
	EventTyping:           func() Event { return &TypingIntent{} },
	EventReactMessage:     func() Event { return &ReactIntent{} },
}

// EncodeFrame wraps an event into its wire envelope.
func EncodeFrame(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode frame: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", ev.Name())
	}
	return json.Marshal(Frame{Event: ev.Name(), Data: data})
}

// DecodeInbound decodes a backend -> client frame into its typed variant.
func DecodeInbound(raw []byte) (Event, error) {
	return decodeFrame(raw, inboundEvents)
}

// DecodeOutbound decodes a client -> backend frame. Used by backends.
func DecodeOutbound(raw []byte) (Event, error) {
	return decodeFrame(raw, outboundEvents)
}

func decodeFrame(raw []byte, factories map[EventName]func() Event) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	newEvent, ok := factories[f.Event]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEvent, "event %q", f.Event)
	}
	ev := newEvent()
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, ev); err != nil {
			return nil, errors.Wrapf(err, "decode %s payload", f.Event)
		}
	}
	if v, ok := ev.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, errors.Wrapf(err, "event %s", f.Event)
		}
	}
	return ev, nil
}
