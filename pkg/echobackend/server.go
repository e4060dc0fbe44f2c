package echobackend

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/widgetchat/pkg/metrics"
	"github.com/go-go-golems/widgetchat/pkg/redisstream"
	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrConversationEnded   = errors.New("conversation already ended")
)

const replyHistoryWindow = 8

// Responder produces the chunks of an assistant reply.
type Responder func(ctx context.Context, query string, history []widgetchat.HistoryTurn) ([]string, error)

// EchoResponder answers by repeating the query, one word per chunk.
func EchoResponder(_ context.Context, query string, _ []widgetchat.HistoryTurn) ([]string, error) {
	return splitWords("You said: " + query), nil
}

func splitWords(s string) []string {
	return strings.SplitAfter(s, " ")
}

// Server is a reference conversation backend speaking the widget wire protocol. Frames for a
// conversation are published on its watermill topic and fanned out to every attached connection
// by the conversation's StreamCoordinator.
type Server struct {
	cfg       Config
	tenants   map[string]*Tenant
	pubsub    *redisstream.PubSub
	metrics   *metrics.Backend
	responder Responder
	clock     clock.Clock
	newID     func() string
	prepare   func(ctx context.Context, topic string) error
	count     TokenCounter
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	mu    sync.Mutex
	convs map[string]*conversation
}

type Option func(*Server)

func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.responder = r
		}
	}
}

func WithMetrics(m *metrics.Backend) Option {
	return func(s *Server) { s.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithTokenCounter replaces the tokenizer used to enforce MaxHistoryTokens.
func WithTokenCounter(fn TokenCounter) Option {
	return func(s *Server) {
		if fn != nil {
			s.count = fn
		}
	}
}

// WithTopicPreparer runs fn on a conversation topic before its coordinator subscribes, e.g. to
// create a redis consumer group at the stream tail.
func WithTopicPreparer(fn func(ctx context.Context, topic string) error) Option {
	return func(s *Server) { s.prepare = fn }
}

func NewServer(cfg Config, ps *redisstream.PubSub, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ps == nil || ps.Publisher == nil || ps.Subscriber == nil {
		return nil, errors.New("echobackend: pub/sub is required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		tenants:   map[string]*Tenant{},
		pubsub:    ps,
		responder: EchoResponder,
		clock:     clock.New(),
		newID:     uuid.NewString,
		logger:    log.With().Str("component", "echobackend").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		convs:  map[string]*conversation{},
	}
	for i := range cfg.Tenants {
		t := cfg.Tenants[i]
		s.tenants[t.ChatbotID] = &t
	}
	if cfg.MaxHistoryTokens > 0 {
		count, err := NewTokenCounter(cfg.TokenEncoding)
		if err != nil {
			cancel()
			return nil, err
		}
		s.count = count
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler serves the websocket endpoint at /ws and a liveness probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close stops in-flight turns and drops every connection.
func (s *Server) Close() error {
	s.cancel()
	s.turns.Wait()
	s.mu.Lock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.Unlock()
	for _, c := range convs {
		c.stopCoordinator()
		c.pool.CloseAll()
	}
	return nil
}

// authenticate maps handshake parameters onto a tenant, or an HTTP status to reject with.
func (s *Server) authenticate(a widgetchat.AuthParams) (*Tenant, int) {
	if a.ChatbotID == "" {
		return nil, http.StatusNotFound
	}
	t, ok := s.tenants[a.ChatbotID]
	if !ok {
		return nil, http.StatusNotFound
	}
	for _, k := range t.WidgetKeys {
		if k == a.WidgetKey {
			return t, 0
		}
	}
	return nil, http.StatusUnauthorized
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	auth := widgetchat.AuthParamsFromRequest(r)
	tenant, status := s.authenticate(auth)
	if status != 0 {
		s.logger.Info().Str("chatbot_id", auth.ChatbotID).Int("status", status).Msg("rejecting handshake")
		s.countHandshake(http.StatusText(status))
		http.Error(w, http.StatusText(status), status)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		s.countHandshake("upgrade-failed")
		return
	}
	s.countHandshake("accepted")
	if s.metrics != nil {
		s.metrics.Connections.Inc()
		defer s.metrics.Connections.Dec()
	}

	c := &client{
		s:         s,
		conn:      conn,
		sink:      newConnSink(conn, s.cfg.SendBuffer, s.cfg.WriteTimeout),
		tenant:    tenant,
		widgetKey: auth.WidgetKey,
		logger:    s.logger.With().Str("chatbot_id", tenant.ChatbotID).Logger(),
	}
	c.run()
}

func (s *Server) countHandshake(result string) {
	if s.metrics != nil {
		s.metrics.Handshakes.WithLabelValues(result).Inc()
	}
}

func (s *Server) countFrame(direction string, name widgetchat.EventName) {
	if s.metrics != nil {
		s.metrics.Frames.WithLabelValues(direction, string(name)).Inc()
	}
}

// conversationFor resumes id when it is live and belongs to the same widget, else creates a new
// conversation.
func (s *Server) conversationFor(tenant *Tenant, widgetKey, id string) (*conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if c, ok := s.convs[id]; ok && !c.isEnded() && c.chatbotID == tenant.ChatbotID && c.widgetKey == widgetKey {
			return c, true
		}
	}
	c := newConversation(s.newID(), tenant, widgetKey, s.pubsub.Subscriber, s.cfg.IdleTimeout)
	c.pool.onDrop = func() {
		if s.metrics != nil {
			s.metrics.SlowDrops.Inc()
		}
	}
	s.convs[c.id] = c
	if s.metrics != nil {
		s.metrics.Conversations.Set(float64(len(s.convs)))
	}
	return c, false
}

func (s *Server) lookup(id string) (*conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownConversation, id)
	}
	return c, nil
}

func (s *Server) publish(c *conversation, events ...widgetchat.Event) error {
	msgs := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		frame, err := widgetchat.EncodeFrame(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, message.NewMessage(uuid.NewString(), frame))
		s.countFrame("out", ev.Name())
	}
	if err := s.pubsub.Publisher.Publish(TopicForConversation(c.id), msgs...); err != nil {
		return errors.Wrapf(err, "publish to conversation %s", c.id)
	}
	return nil
}

func (s *Server) newMessage(sender widgetchat.Sender, content string) widgetchat.WireMessage {
	return widgetchat.WireMessage{
		MessageID: s.newID(),
		Content:   content,
		Sender:    sender,
		Timestamp: widgetchat.Timestamp{Time: s.clock.Now()},
	}
}

// startTurn streams an assistant reply to query. Turns of one conversation run one at a time.
func (s *Server) startTurn(c *conversation, query string, history []widgetchat.HistoryTurn) {
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		c.turnMu.Lock()
		defer c.turnMu.Unlock()
		if err := s.runTurn(c, query, history); err != nil {
			s.logger.Warn().Err(err).Str("conv_id", c.id).Msg("turn failed")
			_ = s.publish(c, &widgetchat.StreamErrorEvent{Detail: "The assistant could not answer. Please try again."})
		}
	}()
}

func (s *Server) runTurn(c *conversation, query string, history []widgetchat.HistoryTurn) error {
	ctx := s.ctx
	if err := s.publish(c, &widgetchat.TypingEvent{Sender: widgetchat.SenderAssistant, IsTyping: true}); err != nil {
		return err
	}
	if s.count != nil {
		history = TrimHistory(history, s.cfg.MaxHistoryTokens, s.count)
	}
	chunks, err := s.responder(ctx, query, history)
	if err != nil {
		_ = s.publish(c, &widgetchat.TypingEvent{Sender: widgetchat.SenderAssistant, IsTyping: false})
		return errors.Wrap(err, "responder")
	}
	var full strings.Builder
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if s.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(s.cfg.ChunkDelay):
			}
		}
		if c.isEnded() {
			return nil
		}
		full.WriteString(chunk)
		if err := s.publish(c, &widgetchat.StreamChunkEvent{ConversationID: c.id, Chunk: chunk}); err != nil {
			return err
		}
	}
	reply := c.add(s.newMessage(widgetchat.SenderAssistant, full.String()))
	return s.publish(c,
		&widgetchat.StreamCompleteEvent{},
		&widgetchat.MessageEvent{Message: &reply},
		&widgetchat.TypingEvent{Sender: widgetchat.SenderAssistant, IsTyping: false},
	)
}

// EndConversation closes a conversation for everyone attached to it. Clients that submit again
// receive a fresh conversation.
func (s *Server) EndConversation(_ context.Context, convID string) error {
	c, err := s.lookup(convID)
	if err != nil {
		return err
	}
	if !c.markEnded() {
		return errors.Wrap(ErrConversationEnded, convID)
	}
	s.logger.Info().Str("conv_id", convID).Msg("ending conversation")
	return s.publish(c, &widgetchat.ConversationEndedEvent{})
}

// AnnounceAgent tells attached clients that a human operator joined the conversation.
func (s *Server) AnnounceAgent(_ context.Context, convID, name string) error {
	c, err := s.lookup(convID)
	if err != nil {
		return err
	}
	if c.isEnded() {
		return errors.Wrap(ErrConversationEnded, convID)
	}
	c.setDisplayName(name)
	return s.publish(c, &widgetchat.JoinEvent{
		ConversationID: convID,
		Message:        name + " joined the conversation",
		DisplayName:    name,
	})
}

// SendAgentMessage posts a durable operator message to the conversation.
func (s *Server) SendAgentMessage(_ context.Context, convID, content string) error {
	c, err := s.lookup(convID)
	if err != nil {
		return err
	}
	if c.isEnded() {
		return errors.Wrap(ErrConversationEnded, convID)
	}
	msg := c.add(s.newMessage(widgetchat.SenderAgent, content))
	return s.publish(c, &widgetchat.MessageEvent{Message: &msg})
}

// Conversations lists the ids of live conversations.
func (s *Server) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convs))
	for id, c := range s.convs {
		if !c.isEnded() {
			ids = append(ids, id)
		}
	}
	return ids
}

// client is one websocket connection. Only its read loop touches conv.
type client struct {
	s         *Server
	conn      *websocket.Conn
	sink      *connSink
	tenant    *Tenant
	widgetKey string
	conv      *conversation
	logger    zerolog.Logger
}

func (c *client) run() {
	defer func() {
		if c.conv != nil {
			c.conv.pool.Remove(c.sink)
		}
		_ = c.sink.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		ev, err := widgetchat.DecodeOutbound(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.s.countFrame("in", ev.Name())
		switch e := ev.(type) {
		case *widgetchat.JoinConversationIntent:
			c.join(e)
		case *widgetchat.RequestStreamIntent:
			c.requestStream(e)
		case *widgetchat.TypingIntent:
			c.logger.Trace().Bool("typing", e.IsTyping).Msg("visitor typing")
		case *widgetchat.ReactIntent:
			c.react(e)
		}
	}
}

func (c *client) sendDirect(ev widgetchat.Event) {
	frame, err := widgetchat.EncodeFrame(ev)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode frame")
		return
	}
	c.s.countFrame("out", ev.Name())
	if !c.sink.Send(frame) {
		c.logger.Warn().Msg("send buffer full, closing connection")
		_ = c.sink.Close()
	}
}

func (c *client) join(e *widgetchat.JoinConversationIntent) {
	conv, resumed := c.s.conversationFor(c.tenant, c.widgetKey, e.ConversationID)
	if c.conv != nil && c.conv != conv {
		c.conv.pool.Remove(c.sink)
	}
	c.conv = conv
	conv.pool.Add(c.sink)
	if c.s.prepare != nil {
		if err := c.s.prepare(c.s.ctx, TopicForConversation(conv.id)); err != nil {
			c.logger.Warn().Err(err).Str("conv_id", conv.id).Msg("prepare conversation topic")
		}
	}
	if err := conv.ensureCoordinator(c.s.ctx); err != nil {
		c.logger.Error().Err(err).Str("conv_id", conv.id).Msg("start stream coordinator")
	}

	started := &widgetchat.ConversationStartedEvent{
		ConversationID: conv.id,
		Messages:       conv.transcript(),
		DisplayName:    conv.getDisplayName(),
	}
	if len(started.Messages) == 0 {
		started.WelcomeMessage = c.tenant.WelcomeMessage
	}
	c.logger.Info().Str("conv_id", conv.id).Bool("resumed", resumed).Msg("conversation joined")
	c.sendDirect(started)
}

func (c *client) requestStream(e *widgetchat.RequestStreamIntent) {
	conv := c.conv
	if conv == nil || conv.isEnded() {
		c.sendDirect(&widgetchat.StreamErrorEvent{Detail: "no active conversation"})
		return
	}
	if id := e.Context.ConversationID; id != "" && id != conv.id {
		c.sendDirect(&widgetchat.StreamErrorEvent{Detail: "conversation mismatch"})
		return
	}
	user := conv.add(c.s.newMessage(widgetchat.SenderUser, e.Query))
	if err := c.s.publish(conv, &widgetchat.MessageEvent{Message: &user}); err != nil {
		c.logger.Warn().Err(err).Msg("publish user message")
	}
	history := e.Context.History
	if len(history) > replyHistoryWindow {
		history = history[len(history)-replyHistoryWindow:]
	}
	c.s.startTurn(conv, e.Query, history)
}

func (c *client) react(e *widgetchat.ReactIntent) {
	conv := c.conv
	if conv == nil || conv.id != e.ConversationID {
		c.logger.Debug().Str("conv_id", e.ConversationID).Msg("reaction for a conversation this connection has not joined")
		return
	}
	if e.Reaction == widgetchat.ReactionRegenerate {
		query, idx, ok := conv.promptFor(e.MessageID)
		if !ok {
			c.sendDirect(&widgetchat.StreamErrorEvent{Detail: "nothing to regenerate"})
			return
		}
		c.s.startTurn(conv, query, conv.history(idx, replyHistoryWindow))
		return
	}
	r, ok := conv.toggle(e.MessageID, e.Reaction)
	if !ok {
		c.logger.Debug().Str("message_id", e.MessageID).Msg("reaction for unknown message")
		return
	}
	if err := c.s.publish(conv, &widgetchat.ReactionEvent{
		ConversationID: conv.id,
		MessageID:      e.MessageID,
		Liked:          r.Liked,
		Disliked:       r.Disliked,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("publish reaction")
	}
}
