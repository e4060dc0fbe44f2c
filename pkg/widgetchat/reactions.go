package widgetchat

import (
	"context"

	"github.com/pkg/errors"
)

// Like asks the backend to toggle a like on messageID. Confirmation arrives as a react-message
// event; nothing changes locally until then.
func (s *Session) Like(ctx context.Context, messageID string) error {
	return s.react(ctx, messageID, ReactionLike)
}

func (s *Session) Dislike(ctx context.Context, messageID string) error {
	return s.react(ctx, messageID, ReactionDislike)
}

// Regenerate asks the backend to produce a new answer for messageID.
func (s *Session) Regenerate(ctx context.Context, messageID string) error {
	return s.react(ctx, messageID, ReactionRegenerate)
}

func (s *Session) react(ctx context.Context, messageID string, kind ReactionKind) error {
	var res error
	if err := s.call(ctx, func() {
		sess := s.st.session
		if sess == nil {
			res = ErrNoSession
			return
		}
		if messageID == "" {
			res = errors.Wrap(ErrUnknownMessageID, "empty message id")
			return
		}
		if !s.st.state.connected() {
			res = ErrNotConnected
			return
		}
		res = s.emit(&ReactIntent{
			ConversationID: sess.ConversationID,
			MessageID:      messageID,
			Reaction:       kind,
		})
		if kind == ReactionRegenerate && res == nil {
			s.st.loading = true
			s.armStreamTimer()
			s.notify()
		}
	}); err != nil {
		return err
	}
	return res
}

func (s *Session) onReaction(e *ReactionEvent) {
	sess := s.st.session
	if sess == nil || sess.ConversationID != e.ConversationID {
		s.drop(EventReactMessage, "reaction for another conversation")
		return
	}
	if !s.applyReaction(e.MessageID, Reactions{Liked: e.Liked, Disliked: e.Disliked}) {
		s.drop(EventReactMessage, "unknown message id")
	}
}

func (s *Session) applyReaction(messageID string, r Reactions) bool {
	idx := s.st.messages.indexByID(messageID)
	if idx < 0 {
		return false
	}
	s.st.messages[idx].Reactions = &r
	return true
}
