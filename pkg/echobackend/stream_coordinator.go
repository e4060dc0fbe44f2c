package echobackend

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

const topicPrefix = "widgetchat.conv."

func TopicForConversation(convID string) string {
	return topicPrefix + convID
}

// StreamCoordinator owns the subscription of one conversation topic and hands every frame to
// onFrame in publish order.
type StreamCoordinator struct {
	convID     string
	subscriber message.Subscriber
	onFrame    func(frame []byte)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewStreamCoordinator(convID string, subscriber message.Subscriber, onFrame func([]byte)) *StreamCoordinator {
	return &StreamCoordinator{
		convID:     convID,
		subscriber: subscriber,
		onFrame:    onFrame,
	}
}

// Start subscribes before returning, so frames published after Start are never missed.
func (sc *StreamCoordinator) Start(ctx context.Context) error {
	if sc == nil || sc.subscriber == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := sc.subscriber.Subscribe(runCtx, TopicForConversation(sc.convID))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe %s", TopicForConversation(sc.convID))
	}
	sc.cancel = cancel
	sc.running = true

	go sc.consume(ch)
	return nil
}

func (sc *StreamCoordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.cancel = nil
	sc.running = false
	sc.mu.Unlock()
}

func (sc *StreamCoordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

func (sc *StreamCoordinator) consume(ch <-chan *message.Message) {
	log.Debug().Str("component", "echobackend").Str("conv_id", sc.convID).Msg("stream coordinator: started")
	for msg := range ch {
		if _, err := widgetchat.DecodeInbound(msg.Payload); err != nil {
			log.Warn().Err(err).Str("component", "echobackend").Str("conv_id", sc.convID).Msg("stream coordinator: failed to decode frame")
			msg.Ack()
			continue
		}
		if sc.onFrame != nil {
			sc.onFrame(msg.Payload)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "echobackend").Str("conv_id", sc.convID).Msg("stream coordinator: stopped")
	sc.mu.Lock()
	sc.running = false
	sc.cancel = nil
	sc.mu.Unlock()
}
