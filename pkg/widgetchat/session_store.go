package widgetchat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/widgetchat/pkg/persistence/kvstore"
)

const (
	DefaultStorageKey = "widgetchat:conversation"
	DefaultSessionTTL = 24 * time.Hour
)

// StoredConversationRecord is the single persisted slot describing the most recent conversation.
type StoredConversationRecord struct {
	ConversationID string `json:"conversationId"`
	ChatbotID      string `json:"chatbotId"`
	WidgetKey      string `json:"widgetKey"`
	Timestamp      int64  `json:"timestamp"`
	DisplayName    string `json:"displayName,omitempty"`
}

func (r StoredConversationRecord) StoredAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// SessionStore mirrors the active conversation identity into a local key-value store so that a
// restarted client can resume it. It is an advisory cache: every operation fails soft, logging
// backend errors and reporting them as a cache miss.
type SessionStore struct {
	kv     kvstore.Store
	key    string
	ttl    time.Duration
	clock  clock.Clock
	logger zerolog.Logger
}

type SessionStoreOption func(*SessionStore)

func WithStorageKey(key string) SessionStoreOption {
	return func(s *SessionStore) {
		if key != "" {
			s.key = key
		}
	}
}

func WithSessionTTL(ttl time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithStoreClock(c clock.Clock) SessionStoreOption {
	return func(s *SessionStore) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithStoreLogger(l zerolog.Logger) SessionStoreOption {
	return func(s *SessionStore) {
		s.logger = l
	}
}

func NewSessionStore(kv kvstore.Store, opts ...SessionStoreOption) *SessionStore {
	if kv == nil {
		kv = kvstore.NewMemory()
	}
	s := &SessionStore{
		kv:     kv,
		key:    DefaultStorageKey,
		ttl:    DefaultSessionTTL,
		clock:  clock.New(),
		logger: log.With().Str("component", "session_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store overwrites the slot with a fresh record stamped now.
func (s *SessionStore) Store(ctx context.Context, conversationID, chatbotID, widgetKey, displayName string) {
	if s == nil {
		return
	}
	s.write(ctx, StoredConversationRecord{
		ConversationID: conversationID,
		ChatbotID:      chatbotID,
		WidgetKey:      widgetKey,
		Timestamp:      s.clock.Now().UnixMilli(),
		DisplayName:    displayName,
	})
}

// Retrieve returns the stored record when it belongs to (chatbotID, widgetKey) and is younger
// than the TTL. Mismatched or expired records are cleared.
func (s *SessionStore) Retrieve(ctx context.Context, chatbotID, widgetKey string) (StoredConversationRecord, bool) {
	if s == nil {
		return StoredConversationRecord{}, false
	}
	rec, ok := s.Peek(ctx)
	if !ok {
		return StoredConversationRecord{}, false
	}
	if rec.ChatbotID != chatbotID || rec.WidgetKey != widgetKey {
		s.logger.Debug().
			Str("stored_chatbot_id", rec.ChatbotID).
			Str("chatbot_id", chatbotID).
			Msg("stored conversation belongs to another widget, clearing")
		s.Clear(ctx)
		return StoredConversationRecord{}, false
	}
	if age := s.clock.Now().Sub(rec.StoredAt()); age >= s.ttl {
		s.logger.Debug().Dur("age", age).Str("conv_id", rec.ConversationID).Msg("stored conversation expired, clearing")
		s.Clear(ctx)
		return StoredConversationRecord{}, false
	}
	return rec, true
}

// Peek reads the slot without applying the invalidation rules.
func (s *SessionStore) Peek(ctx context.Context) (StoredConversationRecord, bool) {
	if s == nil {
		return StoredConversationRecord{}, false
	}
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read stored conversation")
		return StoredConversationRecord{}, false
	}
	if !ok {
		return StoredConversationRecord{}, false
	}
	var rec StoredConversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn().Err(err).Msg("stored conversation is corrupt, clearing")
		s.Clear(ctx)
		return StoredConversationRecord{}, false
	}
	if rec.ConversationID == "" {
		return StoredConversationRecord{}, false
	}
	return rec, true
}

func (s *SessionStore) Clear(ctx context.Context) {
	if s == nil {
		return
	}
	if err := s.kv.Delete(ctx, s.key); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear stored conversation")
	}
}

// UpdateDisplayName rewrites the display name of the stored record, keeping its timestamp.
func (s *SessionStore) UpdateDisplayName(ctx context.Context, name string) {
	if s == nil {
		return
	}
	rec, ok := s.Peek(ctx)
	if !ok {
		return
	}
	rec.DisplayName = name
	s.write(ctx, rec)
}

func (s *SessionStore) write(ctx context.Context, rec StoredConversationRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode stored conversation")
		return
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		s.logger.Warn().Err(err).Str("conv_id", rec.ConversationID).Msg("failed to persist conversation")
	}
}
