package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func watermillLogger() *zerologAdapter {
	return &zerologAdapter{logger: log.With().Str("component", "redisstream").Logger()}
}

// BuildPublisher returns a Redis Streams publisher. The returned client is
// owned by the caller and must be closed after the publisher.
func BuildPublisher(s Settings) (message.Publisher, *redis.Client, error) {
	s = s.withDefaults()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, watermillLogger())
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "redis stream publisher")
	}
	return pub, client, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the
// settings' consumer group and name.
func BuildGroupSubscriber(s Settings) (message.Subscriber, *redis.Client, error) {
	s = s.withDefaults()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, watermillLogger())
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "redis stream subscriber")
	}
	return sub, client, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if
// it does not exist, so a new follower does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
