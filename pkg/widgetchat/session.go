package widgetchat

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyInput       = errors.New("empty input")
	ErrDuplicateSubmit  = errors.New("identical to the previous submission")
	ErrMessageLimit     = errors.New("conversation message limit reached")
	ErrNoSession        = errors.New("no active conversation")
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyRunning   = errors.New("session already running")
	ErrUnknownMessageID = errors.New("unknown message id")
)

// State is the connection/conversation state of a Session.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateConnectedUnjoined State = "connected-unjoined"
	StateJoined            State = "joined"
	StateEnded             State = "ended"
)

var sessionTransitions = map[State][]State{
	StateDisconnected:      {StateConnecting, StateConnectedUnjoined},
	StateConnecting:        {StateConnectedUnjoined, StateDisconnected},
	StateConnectedUnjoined: {StateJoined, StateDisconnected},
	StateJoined:            {StateEnded, StateDisconnected},
	StateEnded:             {StateJoined, StateDisconnected},
}

func (s State) canTransition(to State) bool {
	if s == to {
		return true
	}
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// connected reports whether the transport is up in this state.
func (s State) connected() bool {
	switch s {
	case StateConnectedUnjoined, StateJoined, StateEnded:
		return true
	}
	return false
}

// Snapshot is a copy of the session state handed to the rendering layer.
type Snapshot struct {
	State        State
	Streaming    bool
	Loading      bool
	RemoteTyping bool
	Banner       string
	ErrorKind    ErrorKind
	Session      *ConversationSession
	Messages     []ChatMessage
	PendingQuery string
}

// sessionState is owned by the loop goroutine; nothing else reads or writes it.
type sessionState struct {
	state        State
	session      *ConversationSession
	messages     messageList
	stream       *StreamBuffer
	pending      *pendingQuery
	pendingSent  bool
	finalizeID   string
	lastSent     string
	loading      bool
	remoteTyping bool
	banner       string
	errKind      ErrorKind
}

// Session is the conversation state machine. Every transport event, user intent and timer is
// serialized through one loop goroutine started by Run, so handlers run to completion without
// locking.
type Session struct {
	cfg       SessionConfig
	transport Transport
	store     *SessionStore
	clock     clock.Clock
	diag      Diagnostics
	logger    zerolog.Logger
	onChange  func(Snapshot)
	newID     func() string

	ctx     context.Context
	ops     chan func()
	done    chan struct{}
	running atomic.Bool

	st          sessionState
	unsubscribe []func()
	typing      *typingDebouncer
	joinTimer   *clock.Timer
	joinGen     uint64
	streamTimer *clock.Timer
	streamGen   uint64
}

type SessionOption func(*Session)

func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDiagnostics injects an observer for state transitions and event flow.
func WithDiagnostics(d Diagnostics) SessionOption {
	return func(s *Session) {
		if d != nil {
			s.diag = d
		}
	}
}

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithChangeListener registers the rendering-layer callback. It runs on the session loop after
// every handled event and must not call back into the Session synchronously.
func WithChangeListener(fn func(Snapshot)) SessionOption {
	return func(s *Session) { s.onChange = fn }
}

func WithIDGenerator(fn func() string) SessionOption {
	return func(s *Session) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewSession(cfg SessionConfig, transport Transport, store *SessionStore, opts ...SessionOption) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session: transport is nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewSessionStore(nil)
	}
	s := &Session{
		cfg:       cfg,
		transport: transport,
		store:     store,
		clock:     clock.New(),
		diag:      NopDiagnostics{},
		newID:     uuid.NewString,
		ctx:       context.Background(),
		ops:       make(chan func(), 256),
		done:      make(chan struct{}),
		st:        sessionState{state: StateDisconnected},
	}
	s.logger = log.With().
		Str("component", "widgetchat").
		Str("chatbot_id", cfg.ChatbotID).
		Logger()
	for _, opt := range opts {
		opt(s)
	}
	s.typing = &typingDebouncer{
		clock: s.clock,
		idle:  cfg.TypingIdle,
		emit:  s.emitTyping,
		post:  s.post,
	}
	return s, nil
}

// Run subscribes to the transport, starts connecting and processes events until ctx is done.
// On exit it emits a final typing:false, removes every subscription and then disconnects.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.ctx = ctx
	defer close(s.done)
	s.subscribe()
	defer s.teardown()

	s.transition(StateConnecting)
	s.notify()
	go s.connect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-s.ops:
			op()
		}
	}
}

func (s *Session) connect() {
	if err := s.transport.Connect(s.ctx); err != nil {
		s.logger.Debug().Err(err).Msg("connect attempt failed")
	}
}

func (s *Session) subscribe() {
	names := []EventName{
		EventConnected, EventDisconnected, EventConnectError,
		EventMessage, EventTyping, EventStreamChunk, EventStreamComplete, EventStreamError,
		EventConversationStarted, EventJoin, EventConversationEnded, EventReactMessage,
	}
	for _, name := range names {
		s.unsubscribe = append(s.unsubscribe, s.transport.Subscribe(name, func(ev Event) {
			s.post(func() { s.handle(ev) })
		}))
	}
}

func (s *Session) teardown() {
	s.stopJoinTimer()
	s.stopStreamTimer()
	s.typing.teardown()
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.unsubscribe = nil
	if err := s.transport.Disconnect(); err != nil {
		s.logger.Debug().Err(err).Msg("disconnect")
	}
	s.logger.Debug().Msg("session torn down")
}

// post enqueues fn on the loop without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for it to finish.
func (s *Session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.ops <- wrapped:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends a user turn, or queues it until the join handshake completes. Rejected
// submissions return ErrEmptyInput, ErrNotConnected or ErrDuplicateSubmit and change nothing.
func (s *Session) Submit(ctx context.Context, text string) error {
	var res error
	if err := s.call(ctx, func() { res = s.submit(text, 0) }); err != nil {
		return err
	}
	return res
}

// Keystroke feeds the outbound typing indicator with the current input value.
func (s *Session) Keystroke(ctx context.Context, value string) error {
	return s.call(ctx, func() { s.typing.keystroke(value) })
}

// Reconnect retries after a connection failure. It is a no-op unless disconnected.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.call(ctx, func() {
		if s.st.state != StateDisconnected {
			return
		}
		s.transition(StateConnecting)
		s.notify()
		go s.connect()
	})
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() { snap = s.snapshot() })
	return snap, err
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:        s.st.state,
		Streaming:    s.st.stream != nil,
		Loading:      s.st.loading,
		RemoteTyping: s.st.remoteTyping,
		Banner:       s.st.banner,
		ErrorKind:    s.st.errKind,
		Messages:     s.st.messages.clone(),
	}
	if s.st.session != nil {
		cp := *s.st.session
		snap.Session = &cp
	}
	if s.st.pending != nil {
		snap.PendingQuery = s.st.pending.Query
	}
	return snap
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange(s.snapshot())
	}
}

func (s *Session) transition(to State) bool {
	from := s.st.state
	if from == to {
		return true
	}
	if !from.canTransition(to) {
		s.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("ignoring invalid state transition")
		return false
	}
	s.st.state = to
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	s.diag.StateChanged(from, to)
	return true
}

func (s *Session) emit(ev Event) error {
	ctx := s.ctx
	if ctx.Err() != nil {
		// tearing down; still allow the final frames out
		ctx = context.Background()
	}
	if err := s.transport.Emit(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(ev.Name())).Msg("emit failed")
		return err
	}
	return nil
}

func (s *Session) emitTyping(isTyping bool) {
	sess := s.st.session
	if sess == nil || !s.st.state.connected() {
		return
	}
	_ = s.emit(&TypingIntent{ConversationID: sess.ConversationID, IsTyping: isTyping})
}

func (s *Session) drop(name EventName, reason string) {
	s.logger.Debug().Str("event", string(name)).Str("reason", reason).Msg("dropping event")
	s.diag.EventDropped(name, reason)
}

func (s *Session) provisionalID() string {
	return "tmp-" + s.newID()
}

// handle dispatches one inbound event. It must only run on the loop.
func (s *Session) handle(ev Event) {
	s.diag.EventReceived(ev.Name())
	switch e := ev.(type) {
	case *ConnectedEvent:
		s.onConnected()
	case *DisconnectedEvent:
		s.onDisconnected(e)
	case *ConnectErrorEvent:
		s.onConnectError(e)
	case *ConversationStartedEvent:
		s.onConversationStarted(e)
	case *JoinEvent:
		s.onJoin(e)
	case *MessageEvent:
		s.onMessage(e)
	case *TypingEvent:
		s.onTyping(e)
	case *StreamChunkEvent:
		s.onStreamChunk(e)
	case *StreamCompleteEvent:
		s.onStreamComplete()
	case *StreamErrorEvent:
		s.onStreamError(e)
	case *ConversationEndedEvent:
		s.onConversationEnded()
	case *ReactionEvent:
		s.onReaction(e)
	default:
		s.drop(ev.Name(), "unhandled event")
		return
	}
	s.notify()
}

func (s *Session) onConnected() {
	if !s.transition(StateConnectedUnjoined) {
		s.drop(EventConnected, "unexpected in state "+string(s.st.state))
		return
	}
	s.st.banner = ""
	s.st.errKind = ""
	s.requestJoin()
}

// requestJoin resumes the stored conversation when there is a valid one, else asks for a new one.
func (s *Session) requestJoin() {
	intent := &JoinConversationIntent{}
	if rec, ok := s.store.Retrieve(s.ctx, s.cfg.ChatbotID, s.cfg.WidgetKey); ok {
		intent.ConversationID = rec.ConversationID
		s.logger.Info().Str("conv_id", rec.ConversationID).Msg("resuming stored conversation")
	}
	if err := s.emit(intent); err != nil {
		return
	}
	s.armJoinTimer()
}

func (s *Session) onDisconnected(e *DisconnectedEvent) {
	s.stopJoinTimer()
	s.abortStream()
	s.st.remoteTyping = false
	s.transition(StateDisconnected)
	s.logger.Info().Str("reason", e.Reason).Msg("disconnected")
}

func (s *Session) onConnectError(e *ConnectErrorEvent) {
	s.st.errKind = e.Kind
	s.st.banner = e.Detail
	if s.st.banner == "" {
		s.st.banner = e.Kind.UserMessage()
	}
	s.transition(StateDisconnected)
}

func (s *Session) onConversationStarted(e *ConversationStartedEvent) {
	if !s.transition(StateJoined) {
		s.drop(EventConversationStarted, "not connected")
		return
	}
	s.stopJoinTimer()
	now := s.clock.Now()

	displayName := e.DisplayName
	if prev := s.st.session; displayName == "" && prev != nil && prev.ConversationID == e.ConversationID {
		displayName = prev.DisplayName
	}
	s.st.session = &ConversationSession{
		ConversationID: e.ConversationID,
		ChatbotID:      s.cfg.ChatbotID,
		WidgetKey:      s.cfg.WidgetKey,
		JoinedAt:       now,
		DisplayName:    displayName,
	}

	var next messageList
	if len(e.Messages) > 0 {
		next = make(messageList, 0, len(e.Messages)+1)
		for _, w := range e.Messages {
			next = append(next, s.fromWire(w))
		}
	} else if welcome := firstNonEmpty(e.WelcomeMessage, s.cfg.WelcomeMessage); welcome != "" {
		next = messageList{{
			ID:        "welcome-" + s.newID(),
			Content:   welcome,
			Timestamp: now,
			Sender:    SenderAssistant,
		}}
	}
	// replaces wholesale; a flushed pending query comes back as a durable echo
	s.st.messages = next
	s.st.stream = nil
	s.st.finalizeID = ""
	s.st.banner = ""
	s.st.errKind = ""

	s.store.Store(s.ctx, e.ConversationID, s.cfg.ChatbotID, s.cfg.WidgetKey, displayName)
	s.logger.Info().Str("conv_id", e.ConversationID).Int("history", len(e.Messages)).Msg("conversation started")
	s.flushPending()
}

func (s *Session) onJoin(e *JoinEvent) {
	if e.ConversationID != "" {
		// a session kept across a reconnect still needs the join to complete
		if s.st.session == nil || s.st.state != StateJoined {
			if !s.transition(StateJoined) {
				s.drop(EventJoin, "not connected")
				return
			}
			s.stopJoinTimer()
		}
		if s.st.session == nil {
			s.st.session = &ConversationSession{
				ChatbotID: s.cfg.ChatbotID,
				WidgetKey: s.cfg.WidgetKey,
				JoinedAt:  s.clock.Now(),
			}
		}
		if s.st.session.ConversationID != e.ConversationID {
			s.st.session.ConversationID = e.ConversationID
			s.store.Store(s.ctx, e.ConversationID, s.cfg.ChatbotID, s.cfg.WidgetKey, s.st.session.DisplayName)
		}
	}
	if e.DisplayName != "" && s.st.session != nil {
		s.st.session.DisplayName = e.DisplayName
		s.store.UpdateDisplayName(s.ctx, e.DisplayName)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		s.st.messages = append(s.st.messages, ChatMessage{
			ID:        "system-" + s.newID(),
			Content:   msg,
			Timestamp: s.clock.Now(),
			Sender:    SenderSystem,
		})
	}
	if s.st.session != nil {
		for _, r := range e.Reactions {
			s.applyReaction(r.MessageID, Reactions{Liked: r.Liked, Disliked: r.Disliked})
		}
	}
	if s.st.state == StateJoined {
		s.flushPending()
	}
}

// flushPending dispatches the queued query at most once, whichever join path gets here first.
func (s *Session) flushPending() {
	p := s.st.pending
	if p == nil || s.st.pendingSent || s.st.session == nil {
		return
	}
	s.st.pendingSent = true
	s.st.pending = nil
	s.logger.Debug().Str("conv_id", s.st.session.ConversationID).Msg("dispatching pending query")
	s.sendQuery(p.Query, p.MessageID)
}

func (s *Session) submit(text string, limit int) error {
	q := strings.TrimSpace(text)
	if q == "" {
		return ErrEmptyInput
	}
	if !s.st.state.connected() {
		return ErrNotConnected
	}
	if q == s.st.lastSent {
		return ErrDuplicateSubmit
	}
	if limit > 0 && s.st.messages.countSender(SenderUser) >= limit {
		return ErrMessageLimit
	}
	s.st.lastSent = q
	s.typing.stop()

	msgID := s.appendUserMessage(q)
	if s.st.state == StateJoined && s.st.session != nil {
		s.sendQuery(q, msgID)
	} else {
		s.st.pending = &pendingQuery{Query: q, MessageID: msgID}
		s.st.pendingSent = false
		if s.st.state == StateEnded {
			s.requestJoin()
		}
	}
	s.notify()
	return nil
}

// appendUserMessage adds the optimistic bubble unless an identical one was added within the echo
// window, and returns the id of the bubble that represents this submission.
func (s *Session) appendUserMessage(q string) string {
	now := s.clock.Now()
	if idx := s.st.messages.indexNear(SenderUser, q, now, s.cfg.UserEchoWindow); idx >= 0 {
		return s.st.messages[idx].ID
	}
	id := s.provisionalID()
	s.st.messages = append(s.st.messages, ChatMessage{
		ID:          id,
		Content:     q,
		Timestamp:   now,
		Sender:      SenderUser,
		Provisional: true,
	})
	return id
}

func (s *Session) sendQuery(q, excludeID string) {
	sess := s.st.session
	intent := &RequestStreamIntent{
		Query: q,
		Context: StreamContext{
			ChatbotID:      s.cfg.ChatbotID,
			WidgetKey:      s.cfg.WidgetKey,
			ConversationID: sess.ConversationID,
			History:        s.st.messages.history(s.cfg.HistoryWindow, excludeID),
		},
	}
	s.st.loading = true
	s.armStreamTimer()
	if err := s.emit(intent); err != nil {
		s.st.loading = false
		s.stopStreamTimer()
	}
}

func (s *Session) onStreamChunk(e *StreamChunkEvent) {
	if sess := s.st.session; e.ConversationID != "" && sess != nil && e.ConversationID != sess.ConversationID {
		s.drop(EventStreamChunk, "chunk for another conversation")
		return
	}
	if s.st.stream == nil {
		if !s.st.loading {
			s.drop(EventStreamChunk, "no open stream")
			return
		}
		id := s.provisionalID()
		s.st.stream = &StreamBuffer{ProvisionalMessageID: id}
		s.st.finalizeID = id
		s.st.messages = append(s.st.messages, ChatMessage{
			ID:          id,
			Timestamp:   s.clock.Now(),
			Sender:      SenderAssistant,
			Provisional: true,
		})
	}
	buf := s.st.stream
	buf.AccumulatedText += e.Chunk
	if idx := s.st.messages.indexByID(buf.ProvisionalMessageID); idx >= 0 {
		s.st.messages[idx].Content = buf.AccumulatedText
	} else {
		s.st.messages = append(s.st.messages, ChatMessage{
			ID:          buf.ProvisionalMessageID,
			Content:     buf.AccumulatedText,
			Timestamp:   s.clock.Now(),
			Sender:      SenderAssistant,
			Provisional: true,
		})
	}
	s.armStreamTimer()
}

func (s *Session) onStreamComplete() {
	s.st.stream = nil
	s.st.loading = false
	s.st.remoteTyping = false
	s.stopStreamTimer()
}

func (s *Session) onStreamError(e *StreamErrorEvent) {
	s.logger.Warn().Str("detail", e.Detail).Msg("stream failed")
	s.abortStream()
}

// abortStream freezes any partial output; it stays visible but is no longer finalized.
func (s *Session) abortStream() {
	s.st.stream = nil
	s.st.finalizeID = ""
	s.st.loading = false
	s.st.remoteTyping = false
	s.stopStreamTimer()
}

func (s *Session) onMessage(e *MessageEvent) {
	w := *e.Message
	if w.MessageID != "" && s.st.messages.indexByID(w.MessageID) >= 0 {
		s.drop(EventMessage, "duplicate message id")
		return
	}
	msg := s.fromWire(w)

	if msg.Sender == SenderAssistant && s.st.finalizeID != "" {
		if idx := s.st.messages.indexByID(s.st.finalizeID); idx >= 0 {
			provisional := s.st.finalizeID
			s.st.messages[idx] = msg
			s.st.finalizeID = ""
			if s.st.stream != nil && s.st.stream.ProvisionalMessageID == provisional {
				s.onStreamComplete()
			}
			return
		}
		s.st.finalizeID = ""
	}

	if idx := s.st.messages.indexNear(msg.Sender, msg.Content, msg.Timestamp, s.cfg.DuplicateWindow); idx >= 0 {
		existing := &s.st.messages[idx]
		if existing.Provisional && w.MessageID != "" {
			if p := s.st.pending; p != nil && p.MessageID == existing.ID {
				p.MessageID = w.MessageID
			}
			existing.ID = w.MessageID
			existing.Provisional = false
		}
		if msg.Reactions != nil {
			existing.Reactions = msg.Reactions
		}
		s.drop(EventMessage, "duplicate content")
		return
	}

	s.st.messages = append(s.st.messages, msg)
	if msg.Sender != SenderUser && s.st.stream == nil {
		s.st.loading = false
		s.st.remoteTyping = false
		s.stopStreamTimer()
	}
}

func (s *Session) onTyping(e *TypingEvent) {
	if e.Sender == SenderUser {
		return
	}
	s.st.remoteTyping = e.IsTyping
}

func (s *Session) onConversationEnded() {
	s.stopJoinTimer()
	s.abortStream()
	s.st.session = nil
	s.st.lastSent = ""
	s.store.Clear(s.ctx)
	s.transition(StateEnded)
	s.logger.Info().Msg("conversation ended")
}

func (s *Session) fromWire(w WireMessage) ChatMessage {
	m := ChatMessage{
		ID:        w.MessageID,
		Content:   w.Content,
		Timestamp: w.Timestamp.Time,
		Sender:    w.Sender,
	}
	if m.ID == "" {
		m.ID = s.provisionalID()
		m.Provisional = true
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock.Now()
	}
	if w.Reactions != nil {
		r := *w.Reactions
		m.Reactions = &r
	}
	return m
}

func (s *Session) armJoinTimer() {
	s.stopJoinTimer()
	if s.cfg.JoinTimeout < 0 {
		return
	}
	gen := s.joinGen
	s.joinTimer = s.clock.AfterFunc(s.cfg.JoinTimeout, func() {
		s.post(func() {
			if gen != s.joinGen || s.st.state != StateConnectedUnjoined {
				return
			}
			s.joinTimer = nil
			s.logger.Warn().Dur("timeout", s.cfg.JoinTimeout).Msg("join handshake timed out")
			s.st.banner = "Timed out waiting for the conversation to start."
			s.st.loading = false
			s.diag.EventDropped(EventConversationStarted, "join timeout")
			s.notify()
		})
	})
}

func (s *Session) stopJoinTimer() {
	s.joinGen++
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

// armStreamTimer (re)starts the idle timeout of the in-flight turn.
func (s *Session) armStreamTimer() {
	s.stopStreamTimer()
	if s.cfg.StreamIdleTimeout < 0 {
		return
	}
	gen := s.streamGen
	s.streamTimer = s.clock.AfterFunc(s.cfg.StreamIdleTimeout, func() {
		s.post(func() {
			if gen != s.streamGen || !s.st.loading {
				return
			}
			s.streamTimer = nil
			s.logger.Warn().Dur("timeout", s.cfg.StreamIdleTimeout).Msg("stream idle timeout")
			s.diag.EventDropped(EventStreamChunk, "stream idle timeout")
			s.abortStream()
			s.notify()
		})
	})
}

func (s *Session) stopStreamTimer() {
	s.streamGen++
	if s.streamTimer != nil {
		s.streamTimer.Stop()
		s.streamTimer = nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

