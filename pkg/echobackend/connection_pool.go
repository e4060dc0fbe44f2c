package echobackend

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Sink is a buffered outbound queue for one connection.
type Sink interface {
	// Send enqueues data without blocking. It returns false when the queue is full or closed.
	Send(data []byte) bool
	Close() error
}

// connSink owns the only writer goroutine of its websocket connection.
type connSink struct {
	conn         wsConn
	ch           chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

func newConnSink(conn wsConn, buffer int, writeTimeout time.Duration) *connSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &connSink{
		conn:         conn,
		ch:           make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go s.loop()
	return s
}

func (s *connSink) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- data:
		return true
	default:
		return false
	}
}

func (s *connSink) loop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.ch:
			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("component", "echobackend").Msg("ws write failed, closing connection")
				_ = s.Close()
				return
			}
		}
	}
}

func (s *connSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// ConnectionPool manages the connections attached to one conversation. It centralizes
// broadcasting, slow-consumer eviction and idle detection.
type ConnectionPool struct {
	convID      string
	mu          sync.Mutex
	sinks       map[Sink]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
	onDrop      func()
}

func NewConnectionPool(convID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:      convID,
		sinks:       map[Sink]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(s Sink) {
	if cp == nil || s == nil {
		return
	}
	cp.mu.Lock()
	cp.sinks[s] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

// Remove detaches s without closing it.
func (cp *ConnectionPool) Remove(s Sink) {
	if cp == nil || s == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.sinks, s)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var dropped []Sink
	cp.mu.Lock()
	for s := range cp.sinks {
		if !s.Send(data) {
			delete(cp.sinks, s)
			dropped = append(dropped, s)
		}
	}
	cp.scheduleIdleTimerLocked()
	onDrop := cp.onDrop
	cp.mu.Unlock()

	for _, s := range dropped {
		log.Warn().Str("component", "echobackend").Str("conv_id", cp.convID).Msg("ws send buffer full, dropping connection")
		_ = s.Close()
		if onDrop != nil {
			onDrop()
		}
	}
}

func (cp *ConnectionPool) SendToOne(s Sink, data []byte) {
	if cp == nil || s == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	_, ok := cp.sinks[s]
	if ok && !s.Send(data) {
		delete(cp.sinks, s)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
		log.Warn().Str("component", "echobackend").Str("conv_id", cp.convID).Msg("ws send buffer full, dropping connection")
		_ = s.Close()
		return
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.sinks)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	sinks := make([]Sink, 0, len(cp.sinks))
	for s := range cp.sinks {
		sinks = append(sinks, s)
		delete(cp.sinks, s)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, s := range sinks {
		_ = s.Close()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.sinks) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	if cp.idleTimer != nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.sinks) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
