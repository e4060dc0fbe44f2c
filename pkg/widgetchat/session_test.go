package widgetchat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/widgetchat/pkg/persistence/kvstore"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	s      *Session
	ft     *fakeTransport
	store  *SessionStore
	clock  *clock.Mock
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func testConfig() SessionConfig {
	return SessionConfig{ChatbotID: "bot-1", WidgetKey: "key-1"}
}

func newHarness(t *testing.T, cfg SessionConfig, seed func(*SessionStore, *clock.Mock)) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)
	store := NewSessionStore(kvstore.NewMemory(), WithStoreClock(mock))
	if seed != nil {
		seed(store, mock)
	}
	ft := newFakeTransport()
	n := 0
	s, err := NewSession(cfg, ft, store,
		WithClock(mock),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, s: s, ft: ft, store: store, clock: mock, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(h.stop)

	require.Eventually(t, func() bool { return ft.connectCount() == 1 }, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			h.t.Fatal("session did not stop")
		}
	})
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) fire(ev Event) Snapshot {
	h.t.Helper()
	h.ft.fire(ev)
	return h.snapshot()
}

func (h *harness) connect() Snapshot {
	return h.fire(&ConnectedEvent{})
}

func (h *harness) start(convID string, msgs ...WireMessage) Snapshot {
	h.connect()
	return h.fire(&ConversationStartedEvent{ConversationID: convID, Messages: msgs})
}

func (h *harness) submit(text string) error {
	return h.s.Submit(context.Background(), text)
}

func contents(msgs []ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestSession_FreshJoinWithoutStoredConversation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.Equal(t, StateConnecting, h.snapshot().State)

	snap := h.connect()
	require.Equal(t, StateConnectedUnjoined, snap.State)

	joins := sentOf[*JoinConversationIntent](h.ft)
	require.Len(t, joins, 1)
	require.Empty(t, joins[0].ConversationID)
}

func TestSession_ResumesStoredConversation(t *testing.T) {
	h := newHarness(t, testConfig(), func(s *SessionStore, _ *clock.Mock) {
		s.Store(context.Background(), "conv-stored", "bot-1", "key-1", "Ada")
	})
	h.connect()

	joins := sentOf[*JoinConversationIntent](h.ft)
	require.Len(t, joins, 1)
	require.Equal(t, "conv-stored", joins[0].ConversationID)
}

func TestSession_ExpiredStoredConversationIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), func(s *SessionStore, mock *clock.Mock) {
		s.Store(context.Background(), "conv-old", "bot-1", "key-1", "")
		mock.Add(25 * time.Hour)
	})
	h.connect()

	joins := sentOf[*JoinConversationIntent](h.ft)
	require.Len(t, joins, 1)
	require.Empty(t, joins[0].ConversationID)
	_, ok := h.store.Peek(context.Background())
	require.False(t, ok)
}

func TestSession_MismatchedStoredConversationIsCleared(t *testing.T) {
	h := newHarness(t, testConfig(), func(s *SessionStore, _ *clock.Mock) {
		s.Store(context.Background(), "conv-other", "bot-2", "key-1", "")
	})
	h.connect()

	joins := sentOf[*JoinConversationIntent](h.ft)
	require.Len(t, joins, 1)
	require.Empty(t, joins[0].ConversationID)
	_, ok := h.store.Peek(context.Background())
	require.False(t, ok)
}

func TestSession_ConversationStartedReplacesHistory(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	snap := h.start("conv-1")
	require.Equal(t, StateJoined, snap.State)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, DefaultWelcomeMessage, snap.Messages[0].Content)
	require.Equal(t, "conv-1", snap.Session.ConversationID)

	snap = h.fire(&ConversationStartedEvent{
		ConversationID: "conv-1",
		Messages: []WireMessage{
			{MessageID: "m-1", Content: "earlier question", Sender: SenderUser, Timestamp: Timestamp{testEpoch.Add(-time.Hour)}},
			{MessageID: "m-2", Content: "earlier answer", Sender: SenderAssistant, Timestamp: Timestamp{testEpoch.Add(-time.Hour)}},
		},
	})
	require.Equal(t, []string{"earlier question", "earlier answer"}, contents(snap.Messages))
	require.Equal(t, "m-1", snap.Messages[0].ID)
	require.False(t, snap.Messages[0].Provisional)

	rec, ok := h.store.Retrieve(context.Background(), "bot-1", "key-1")
	require.True(t, ok)
	require.Equal(t, "conv-1", rec.ConversationID)
}

func TestSession_WelcomeMessageFromEvent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connect()
	snap := h.fire(&ConversationStartedEvent{ConversationID: "conv-1", WelcomeMessage: "Welcome to Acme!", DisplayName: "Acme bot"})
	require.Equal(t, []string{"Welcome to Acme!"}, contents(snap.Messages))
	require.Equal(t, "Acme bot", snap.Session.DisplayName)
}

func TestSession_PendingQueryFlushedExactlyOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connect()

	require.NoError(t, h.submit("hello there"))
	snap := h.snapshot()
	require.Equal(t, "hello there", snap.PendingQuery)
	require.Empty(t, sentOf[*RequestStreamIntent](h.ft))

	snap = h.fire(&ConversationStartedEvent{ConversationID: "conv-1"})
	require.Empty(t, snap.PendingQuery)
	require.Equal(t, []string{DefaultWelcomeMessage}, contents(snap.Messages))

	h.fire(&JoinEvent{ConversationID: "conv-1", DisplayName: "Grace"})
	h.fire(&ConversationStartedEvent{ConversationID: "conv-1"})

	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Len(t, reqs, 1)
	require.Equal(t, "hello there", reqs[0].Query)
	require.Equal(t, "conv-1", reqs[0].Context.ConversationID)
	require.Equal(t, "bot-1", reqs[0].Context.ChatbotID)
	require.Equal(t, "key-1", reqs[0].Context.WidgetKey)
	for _, turn := range reqs[0].Context.History {
		require.NotEqual(t, "hello there", turn.Content)
	}
}

func TestSession_HistoryReplacesPendingBubble(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connect()
	require.NoError(t, h.submit("X"))
	require.Equal(t, []string{"X"}, contents(h.snapshot().Messages))

	snap := h.fire(&ConversationStartedEvent{
		ConversationID: "conv-1",
		Messages: []WireMessage{
			{MessageID: "m-a", Content: "A", Sender: SenderUser, Timestamp: Timestamp{testEpoch.Add(-time.Hour)}},
			{MessageID: "m-b", Content: "B", Sender: SenderAssistant, Timestamp: Timestamp{testEpoch.Add(-time.Hour)}},
		},
	})
	require.Equal(t, []string{"A", "B"}, contents(snap.Messages))

	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Len(t, reqs, 1)
	require.Equal(t, "X", reqs[0].Query)
	require.Equal(t, []string{"A", "B"}, historyContents(reqs[0].Context.History))

	snap = h.fire(&MessageEvent{Message: &WireMessage{
		MessageID: "m-x", Content: "X", Sender: SenderUser, Timestamp: Timestamp{testEpoch},
	}})
	require.Equal(t, []string{"A", "B", "X"}, contents(snap.Messages))
	require.Equal(t, "m-x", snap.Messages[2].ID)
}

func historyContents(turns []HistoryTurn) []string {
	out := make([]string, 0, len(turns))
	for _, turn := range turns {
		out = append(out, turn.Content)
	}
	return out
}

func TestSession_JoinNotificationFlushesPending(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connect()
	require.NoError(t, h.submit("anyone there?"))

	snap := h.fire(&JoinEvent{ConversationID: "conv-9", Message: "Grace joined the conversation", DisplayName: "Grace"})
	require.Equal(t, StateJoined, snap.State)
	require.Equal(t, "Grace", snap.Session.DisplayName)
	require.Equal(t, SenderSystem, snap.Messages[len(snap.Messages)-1].Sender)

	h.fire(&ConversationStartedEvent{ConversationID: "conv-9"})
	require.Len(t, sentOf[*RequestStreamIntent](h.ft), 1)

	rec, ok := h.store.Peek(context.Background())
	require.True(t, ok)
	require.Equal(t, "conv-9", rec.ConversationID)
	require.Equal(t, "Grace", rec.DisplayName)
}

func TestSession_SubmitRejections(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	require.ErrorIs(t, h.submit("hi"), ErrNotConnected)
	h.start("conv-1")

	require.ErrorIs(t, h.submit("   "), ErrEmptyInput)
	require.NoError(t, h.submit("hi"))
	require.ErrorIs(t, h.submit(" hi "), ErrDuplicateSubmit)
	require.Len(t, sentOf[*RequestStreamIntent](h.ft), 1)

	snap := h.snapshot()
	require.True(t, snap.Loading)
	require.Equal(t, 1, messageList(snap.Messages).countSender(SenderUser))
}

func TestSession_HistoryWindowIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryWindow = 3
	h := newHarness(t, cfg, nil)

	var history []WireMessage
	for i := 0; i < 6; i++ {
		history = append(history, WireMessage{
			MessageID: fmt.Sprintf("m-%d", i),
			Content:   fmt.Sprintf("turn %d", i),
			Sender:    []Sender{SenderUser, SenderAssistant}[i%2],
			Timestamp: Timestamp{testEpoch.Add(-time.Hour)},
		})
	}
	h.start("conv-1", history...)
	require.NoError(t, h.submit("next question"))

	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Len(t, reqs, 1)
	require.Equal(t, []HistoryTurn{
		{Role: "assistant", Content: "turn 3"},
		{Role: "user", Content: "turn 4"},
		{Role: "assistant", Content: "turn 5"},
	}, reqs[0].Context.History)
}

func TestSession_StreamAccumulationAndFinalization(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.submit("tell me"))

	h.fire(&StreamChunkEvent{ConversationID: "conv-1", Chunk: "Hel"})
	snap := h.fire(&StreamChunkEvent{ConversationID: "conv-1", Chunk: "lo"})
	require.True(t, snap.Streaming)
	last := snap.Messages[len(snap.Messages)-1]
	require.Equal(t, "Hello", last.Content)
	require.True(t, last.Provisional)
	require.Equal(t, SenderAssistant, last.Sender)
	count := len(snap.Messages)

	snap = h.fire(&StreamCompleteEvent{})
	require.False(t, snap.Streaming)
	require.False(t, snap.Loading)

	snap = h.fire(&MessageEvent{Message: &WireMessage{
		MessageID: "durable-1", Content: "Hello", Sender: SenderAssistant, Timestamp: Timestamp{testEpoch},
	}})
	require.Len(t, snap.Messages, count)
	last = snap.Messages[len(snap.Messages)-1]
	require.Equal(t, "durable-1", last.ID)
	require.False(t, last.Provisional)
}

func TestSession_LateChunkIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	before := h.start("conv-1")

	snap := h.fire(&StreamChunkEvent{Chunk: "orphan"})
	require.Equal(t, contents(before.Messages), contents(snap.Messages))
	require.False(t, snap.Streaming)

	require.NoError(t, h.submit("q"))
	h.fire(&StreamChunkEvent{Chunk: "answer"})
	h.fire(&StreamCompleteEvent{})
	snap = h.fire(&StreamChunkEvent{Chunk: " late"})
	require.Equal(t, "answer", snap.Messages[len(snap.Messages)-1].Content)

	snap = h.fire(&StreamChunkEvent{ConversationID: "conv-other", Chunk: "foreign"})
	require.Equal(t, "answer", snap.Messages[len(snap.Messages)-1].Content)
}

func TestSession_DuplicateMessageID(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	msg := &WireMessage{MessageID: "m-1", Content: "from an operator", Sender: SenderAgent, Timestamp: Timestamp{testEpoch}}

	h.fire(&MessageEvent{Message: msg})
	snap := h.fire(&MessageEvent{Message: msg})

	n := 0
	for _, m := range snap.Messages {
		if m.ID == "m-1" {
			n++
		}
	}
	require.Equal(t, 1, n)
}

func TestSession_DuplicateContentAdoptsDurableID(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.submit("ping"))

	snap := h.fire(&MessageEvent{Message: &WireMessage{
		MessageID: "u-1", Content: "ping", Sender: SenderUser, Timestamp: Timestamp{testEpoch.Add(2 * time.Second)},
	}})
	var users []ChatMessage
	for _, m := range snap.Messages {
		if m.Sender == SenderUser {
			users = append(users, m)
		}
	}
	require.Len(t, users, 1)
	require.Equal(t, "u-1", users[0].ID)
	require.False(t, users[0].Provisional)

	// outside the proximity window it is a new message
	snap = h.fire(&MessageEvent{Message: &WireMessage{
		MessageID: "u-2", Content: "ping", Sender: SenderUser, Timestamp: Timestamp{testEpoch.Add(time.Minute)},
	}})
	require.Equal(t, 2, messageList(snap.Messages).countSender(SenderUser))
}

func TestSession_DuplicateInboundContentCollapses(t *testing.T) {
	agent := func(id, content string, at time.Duration) *MessageEvent {
		return &MessageEvent{Message: &WireMessage{
			MessageID: id, Content: content, Sender: SenderAgent, Timestamp: Timestamp{testEpoch.Add(at)},
		}}
	}

	t.Run("distinct ids within the window", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		h.start("conv-1")
		h.fire(agent("a-1", "same", 0))
		snap := h.fire(agent("a-2", "same", 3*time.Second))
		require.Equal(t, 1, messageList(snap.Messages).countSender(SenderAgent))
		require.Equal(t, "a-1", snap.Messages[len(snap.Messages)-1].ID)
	})

	t.Run("no ids within the window", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		h.start("conv-1")
		h.fire(agent("", "same", 0))
		snap := h.fire(agent("", "same", 4*time.Second))
		require.Equal(t, 1, messageList(snap.Messages).countSender(SenderAgent))
	})

	t.Run("outside the window", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		h.start("conv-1")
		h.fire(agent("a-1", "same", 0))
		snap := h.fire(agent("a-2", "same", 6*time.Second))
		require.Equal(t, 2, messageList(snap.Messages).countSender(SenderAgent))

		snap = h.fire(agent("", "same", 20*time.Second))
		require.Equal(t, 3, messageList(snap.Messages).countSender(SenderAgent))
	})
}

func TestSession_StreamErrorFreezesPartialText(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.submit("q"))
	h.fire(&StreamChunkEvent{Chunk: "partial"})
	h.fire(&TypingEvent{Sender: SenderAssistant, IsTyping: true})

	snap := h.fire(&StreamErrorEvent{Detail: "model overloaded"})
	require.False(t, snap.Streaming)
	require.False(t, snap.Loading)
	require.False(t, snap.RemoteTyping)
	require.Equal(t, "partial", snap.Messages[len(snap.Messages)-1].Content)

	snap = h.fire(&StreamChunkEvent{Chunk: " more"})
	require.Equal(t, "partial", snap.Messages[len(snap.Messages)-1].Content)
}

func TestSession_ConversationEnded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.submit("bye"))

	snap := h.fire(&ConversationEndedEvent{})
	require.Equal(t, StateEnded, snap.State)
	require.Nil(t, snap.Session)
	require.Contains(t, contents(snap.Messages), "bye")
	_, ok := h.store.Peek(context.Background())
	require.False(t, ok)

	require.ErrorIs(t, h.s.Like(context.Background(), "anything"), ErrNoSession)

	require.NoError(t, h.submit("start over"))
	joins := sentOf[*JoinConversationIntent](h.ft)
	require.Len(t, joins, 2)
	require.Empty(t, joins[1].ConversationID)

	h.fire(&ConversationStartedEvent{ConversationID: "conv-2"})
	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Equal(t, "start over", reqs[len(reqs)-1].Query)
	require.Equal(t, "conv-2", reqs[len(reqs)-1].Context.ConversationID)
}

func TestSession_Reactions(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.ErrorIs(t, h.s.Dislike(context.Background(), "m-1"), ErrNoSession)

	h.start("conv-1", WireMessage{MessageID: "m-1", Content: "an answer", Sender: SenderAssistant, Timestamp: Timestamp{testEpoch}})
	require.NoError(t, h.s.Like(context.Background(), "m-1"))
	reacts := sentOf[*ReactIntent](h.ft)
	require.Len(t, reacts, 1)
	require.Equal(t, ReactIntent{ConversationID: "conv-1", MessageID: "m-1", Reaction: ReactionLike}, *reacts[0])

	snap := h.fire(&ReactionEvent{ConversationID: "conv-stale", MessageID: "m-1", Liked: true})
	require.Nil(t, snap.Messages[0].Reactions)

	snap = h.fire(&ReactionEvent{ConversationID: "conv-1", MessageID: "m-1", Liked: true})
	require.Equal(t, &Reactions{Liked: true}, snap.Messages[0].Reactions)

	require.NoError(t, h.s.Regenerate(context.Background(), "m-1"))
	require.Equal(t, ReactionRegenerate, sentOf[*ReactIntent](h.ft)[1].Reaction)
	require.True(t, h.snapshot().Loading)
}

func TestSession_JoinReactionsApplied(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1", WireMessage{MessageID: "m-1", Content: "an answer", Sender: SenderAssistant, Timestamp: Timestamp{testEpoch}})

	snap := h.fire(&JoinEvent{ConversationID: "conv-1", Reactions: []MessageReaction{{MessageID: "m-1", Disliked: true}}})
	require.Equal(t, &Reactions{Disliked: true}, snap.Messages[0].Reactions)
}

func TestSession_ConnectErrorSetsBanner(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	snap := h.fire(&ConnectErrorEvent{Kind: ErrorKindCredentialInvalid})
	require.Equal(t, StateDisconnected, snap.State)
	require.Equal(t, ErrorKindCredentialInvalid, snap.ErrorKind)
	require.Equal(t, ErrorKindCredentialInvalid.UserMessage(), snap.Banner)

	require.NoError(t, h.s.Reconnect(context.Background()))
	require.Eventually(t, func() bool { return h.ft.connectCount() == 2 }, time.Second, 5*time.Millisecond)
	snap = h.connect()
	require.Equal(t, StateConnectedUnjoined, snap.State)
	require.Empty(t, snap.Banner)
}

func TestSession_DisconnectKeepsPendingForRejoin(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connect()
	require.NoError(t, h.submit("queued"))

	snap := h.fire(&DisconnectedEvent{Reason: "network"})
	require.Equal(t, StateDisconnected, snap.State)
	require.Equal(t, "queued", snap.PendingQuery)

	h.start("conv-1")
	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Len(t, reqs, 1)
	require.Equal(t, "queued", reqs[0].Query)
}

func TestSession_JoinAfterReconnectFlushesPending(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")

	h.fire(&DisconnectedEvent{Reason: "network"})
	snap := h.connect()
	require.Equal(t, StateConnectedUnjoined, snap.State)
	require.NoError(t, h.submit("queued during rejoin"))
	require.Empty(t, sentOf[*RequestStreamIntent](h.ft))

	snap = h.fire(&JoinEvent{ConversationID: "conv-1"})
	require.Equal(t, StateJoined, snap.State)
	require.Empty(t, snap.PendingQuery)
	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Len(t, reqs, 1)
	require.Equal(t, "queued during rejoin", reqs[0].Query)
	require.Equal(t, "conv-1", reqs[0].Context.ConversationID)

	h.clock.Add(DefaultJoinTimeout)
	require.Never(t, func() bool {
		return h.snapshot().Banner != ""
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_SameQuestionAllowedAfterConversationEnded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.submit("opening hours?"))
	require.ErrorIs(t, h.submit("opening hours?"), ErrDuplicateSubmit)

	h.fire(&ConversationEndedEvent{})
	require.NoError(t, h.submit("opening hours?"))

	h.fire(&ConversationStartedEvent{ConversationID: "conv-2"})
	reqs := sentOf[*RequestStreamIntent](h.ft)
	require.Len(t, reqs, 2)
	require.Equal(t, "conv-2", reqs[1].Context.ConversationID)
}

func TestSession_JoinTimeout(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connect()

	h.clock.Add(DefaultJoinTimeout)
	require.Eventually(t, func() bool {
		return h.snapshot().Banner != ""
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnectedUnjoined, h.snapshot().State)
}

func TestSession_StreamIdleTimeout(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.submit("q"))
	h.fire(&StreamChunkEvent{Chunk: "slow"})

	h.clock.Add(DefaultStreamIdleTimeout / 2)
	h.fire(&StreamChunkEvent{Chunk: " but steady"})
	h.clock.Add(DefaultStreamIdleTimeout / 2)
	require.True(t, h.snapshot().Streaming)

	h.clock.Add(DefaultStreamIdleTimeout)
	require.Eventually(t, func() bool {
		snap := h.snapshot()
		return !snap.Streaming && !snap.Loading
	}, time.Second, 5*time.Millisecond)
	snap := h.snapshot()
	require.Equal(t, "slow but steady", snap.Messages[len(snap.Messages)-1].Content)
}

func TestSession_TeardownUnsubscribesAndDisconnects(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start("conv-1")
	require.NoError(t, h.s.Keystroke(context.Background(), "typing something"))
	require.Positive(t, h.ft.handlerCount())

	h.stop()
	require.Zero(t, h.ft.handlerCount())
	require.Equal(t, 1, h.ft.disconnectCount())

	typing := sentOf[*TypingIntent](h.ft)
	require.Len(t, typing, 2)
	require.True(t, typing[0].IsTyping)
	require.False(t, typing[1].IsTyping)

	_, err := h.s.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, h.s.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(SessionConfig{WidgetKey: "k"}, newFakeTransport(), nil)
	require.Error(t, err)
	_, err = NewSession(testConfig(), nil, nil)
	require.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	require.True(t, StateDisconnected.canTransition(StateConnecting))
	require.True(t, StateJoined.canTransition(StateEnded))
	require.True(t, StateEnded.canTransition(StateJoined))
	require.False(t, StateDisconnected.canTransition(StateJoined))
	require.False(t, StateConnecting.canTransition(StateEnded))
	require.False(t, StateEnded.canTransition(StateConnectedUnjoined))
}
