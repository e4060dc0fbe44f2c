package widgetchat

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// ReconnectPolicy controls automatic reconnection after a network-initiated disconnect.
// Credential and not-found failures always stop the retry loop.
type ReconnectPolicy struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	InitialInterval time.Duration `yaml:"initial-interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max-interval" env:"MAX_INTERVAL"`
	MaxElapsedTime  time.Duration `yaml:"max-elapsed-time" env:"MAX_ELAPSED_TIME"`
	MaxAttempts     uint64        `yaml:"max-attempts" env:"MAX_ATTEMPTS"`
}

type WSTransportConfig struct {
	URL            string
	Auth           AuthParams
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// PingInterval enables websocket keepalive pings; the read deadline is twice the interval.
	PingInterval time.Duration
	Reconnect    ReconnectPolicy
	Header       http.Header
	Dialer       *websocket.Dialer
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// WSTransport is the websocket Transport. It never falls back to polling.
type WSTransport struct {
	cfg    WSTransportConfig
	logger zerolog.Logger
	diag   Diagnostics

	mu sync.Mutex
	// initialized is set before dialing and reset only on disconnect or a failed handshake.
	initialized bool
	closing     bool
	conn        *websocket.Conn
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	handlers    map[EventName][]handlerEntry
	nextID      uint64

	writeMu sync.Mutex
}

var _ Transport = &WSTransport{}

type WSTransportOption func(*WSTransport)

func WithTransportLogger(l zerolog.Logger) WSTransportOption {
	return func(t *WSTransport) { t.logger = l }
}

func WithTransportDiagnostics(d Diagnostics) WSTransportOption {
	return func(t *WSTransport) {
		if d != nil {
			t.diag = d
		}
	}
}

func NewWSTransport(cfg WSTransportConfig, opts ...WSTransportOption) (*WSTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("ws transport: empty url")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.Wrap(err, "ws transport: parse url")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	t := &WSTransport{
		cfg:      cfg,
		logger:   log.With().Str("component", "ws_transport").Logger(),
		diag:     NopDiagnostics{},
		handlers: map[EventName][]handlerEntry{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *WSTransport) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return nil
	}
	t.initialized = true
	t.closing = false
	if t.lifeCtx == nil {
		t.lifeCtx, t.lifeCancel = context.WithCancel(context.Background())
	}
	lifeCtx := t.lifeCtx
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.initialized = false
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	if t.closing {
		t.initialized = false
		t.mu.Unlock()
		_ = conn.Close()
		return ErrTransportClosed
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info().Str("url", t.cfg.URL).Msg("connected")
	t.dispatch(&ConnectedEvent{})
	go t.readLoop(lifeCtx, conn)
	if t.cfg.PingInterval > 0 {
		go t.keepalive(lifeCtx, conn)
	}
	return nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "ws transport: parse url")
	}
	t.cfg.Auth.apply(u)

	dialer := t.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: t.cfg.ConnectTimeout,
		}
	}
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dctx, u.String(), t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		cerr := ClassifyConnectError(err, resp)
		t.logger.Warn().Err(err).Str("kind", string(cerr.Kind)).Int("status", cerr.StatusCode).Msg("connect failed")
		t.diag.ConnectFailed(cerr.Kind)
		t.dispatch(&ConnectErrorEvent{Kind: cerr.Kind, Detail: cerr.Kind.UserMessage(), Err: cerr})
		return nil, cerr
	}
	return conn, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	if t.cfg.PingInterval > 0 {
		wait := 2 * t.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(ctx, conn, err)
			return
		}
		ev, err := DecodeInbound(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping undecodable frame")
			t.diag.EventDropped("frame", "undecodable")
			continue
		}
		t.dispatch(ev)
	}
}

func (t *WSTransport) handleDrop(ctx context.Context, conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		// replaced or closed by Disconnect
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.initialized = false
	closing := t.closing
	t.mu.Unlock()
	_ = conn.Close()
	if closing {
		return
	}

	reason := "network"
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Text
		if reason == "" {
			reason = "server closed connection"
		}
	}
	t.logger.Info().Err(err).Str("reason", reason).Msg("disconnected")
	t.dispatch(&DisconnectedEvent{Reason: reason})

	if t.cfg.Reconnect.Enabled {
		go t.reconnect(ctx)
	}
}

func (t *WSTransport) reconnect(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	if t.cfg.Reconnect.InitialInterval > 0 {
		b.InitialInterval = t.cfg.Reconnect.InitialInterval
	}
	if t.cfg.Reconnect.MaxInterval > 0 {
		b.MaxInterval = t.cfg.Reconnect.MaxInterval
	}
	b.MaxElapsedTime = t.cfg.Reconnect.MaxElapsedTime
	var policy backoff.BackOff = b
	if t.cfg.Reconnect.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, t.cfg.Reconnect.MaxAttempts)
	}

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := t.Connect(ctx)
		if err == nil {
			return nil
		}
		var cerr *ConnectError
		if errors.As(err, &cerr) && cerr.Permanent() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrTransportClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		t.logger.Debug().Err(err).Dur("next", next).Msg("reconnect attempt failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		t.logger.Warn().Err(err).Msg("giving up reconnecting")
	}
}

func (t *WSTransport) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn == conn
			t.mu.Unlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Disconnect closes the connection and stops any reconnect loop. Subscriptions are left in place;
// owners remove their handlers before calling it.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.closing = true
	t.initialized = false
	conn := t.conn
	t.conn = nil
	cancel := t.lifeCancel
	t.lifeCtx = nil
	t.lifeCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second),
	)
	err := conn.Close()
	t.dispatch(&DisconnectedEvent{Reason: "client disconnect"})
	if err != nil {
		return errors.Wrap(err, "ws transport: close")
	}
	return nil
}

func (t *WSTransport) Emit(ctx context.Context, ev Event) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := EncodeFrame(ev)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "emit %s", ev.Name())
	}
	t.diag.EventSent(ev.Name())
	return nil
}

func (t *WSTransport) Subscribe(name EventName, h Handler) func() {
	if h == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[name] = append(t.handlers[name], handlerEntry{id: id, fn: h})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			entries := t.handlers[name]
			for i, e := range entries {
				if e.id == id {
					t.handlers[name] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(t.handlers[name]) == 0 {
				delete(t.handlers, name)
			}
		})
	}
}

// HandlerCount reports the number of live subscriptions.
func (t *WSTransport) HandlerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entries := range t.handlers {
		n += len(entries)
	}
	return n
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *WSTransport) dispatch(ev Event) {
	t.mu.Lock()
	entries := append([]handlerEntry(nil), t.handlers[ev.Name()]...)
	t.mu.Unlock()
	for _, e := range entries {
		e.fn(ev)
	}
}
