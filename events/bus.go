package events

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

const auditConsumerGroup = "tgbot-audit"

// Bus pairs the publisher and subscriber of one transport
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// NewGoChannelBus keeps events inside the process
func NewGoChannelBus() *Bus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	return &Bus{Publisher: pubSub, Subscriber: pubSub}
}

// NewRedisBus streams events through Redis so other instances can consume them
func NewRedisBus(client *redis.Client) (*Bus, error) {
	logger := watermill.NewStdLogger(false, false)

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: client,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("creating redis publisher: %w", err)
	}

	subscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:        client,
			ConsumerGroup: auditConsumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("creating redis subscriber: %w", err)
	}

	return &Bus{Publisher: publisher, Subscriber: subscriber}, nil
}

func (b *Bus) Close() error {
	pubErr := b.Publisher.Close()
	// gochannel is its own subscriber
	if s, ok := b.Subscriber.(message.Publisher); ok && s == b.Publisher {
		return pubErr
	}
	return errors.Join(pubErr, b.Subscriber.Close())
}
