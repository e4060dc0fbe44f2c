package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub bundles a publisher and a subscriber built from the same settings.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client   redis.UniversalClient
	borrowed bool
}

// Client is the redis client behind the pair, or nil for the in-memory transport.
func (p *PubSub) Client() redis.UniversalClient {
	if p == nil {
		return nil
	}
	return p.client
}

// Close closes the publisher, the subscriber and the redis client when one was created.
func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var first error
	if err := p.Publisher.Close(); err != nil {
		first = err
	}
	if p.Subscriber != nil && any(p.Subscriber) != any(p.Publisher) {
		if err := p.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.client != nil && !p.borrowed {
		if err := p.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildPubSub constructs a Redis Streams publisher/subscriber pair when enabled. If s.Enabled is
// false, it returns an in-memory GoChannel that blocks publishers until every subscriber acked,
// which keeps per-topic delivery in publish order.
func BuildPubSub(s Settings) (*PubSub, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		buffer := s.Buffer
		if buffer <= 0 {
			buffer = DefaultSettings().Buffer
		}
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            buffer,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	return buildRedis(client, s)
}

// BuildPubSubFromClient is BuildPubSub for an existing redis client, e.g. one pointed at miniredis.
func BuildPubSubFromClient(client redis.UniversalClient, s Settings) (*PubSub, error) {
	ps, err := buildRedis(client, s)
	if err != nil {
		return nil, err
	}
	ps.borrowed = true
	return ps, nil
}

func buildRedis(client redis.UniversalClient, s Settings) (*PubSub, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	return &PubSub{Publisher: pub, Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't
// exist. This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
