package mirror

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/redisstream"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopic    = "tutorchat.events"
	MetadataEvent   = "event"
	MetadataSession = "session_id"
)

// Source is anything that fans out inbound events, such as *transport.Adapter.
type Source interface {
	OnAny(fn transport.Handler) *transport.Subscription
}

// Mirror republishes inbound transport events to a watermill publisher.
// Publishing failures are logged and never reach the transport.
type Mirror struct {
	pub     message.Publisher
	topic   string
	session func() string
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*transport.Subscription
}

type Option func(*Mirror)

func WithTopic(topic string) Option {
	return func(m *Mirror) {
		if topic != "" {
			m.topic = topic
		}
	}
}

// WithSessionID stamps every message with the id returned by fn.
func WithSessionID(fn func() string) Option {
	return func(m *Mirror) { m.session = fn }
}

func New(pub message.Publisher, opts ...Option) *Mirror {
	m := &Mirror{
		pub:    pub,
		topic:  DefaultTopic,
		logger: log.With().Str("component", "mirror").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mirror) Topic() string { return m.topic }

// Attach starts mirroring every event src dispatches.
func (m *Mirror) Attach(src Source) {
	sub := src.OnAny(m.Publish)
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
}

func (m *Mirror) Publish(ev events.Inbound) {
	frame, err := events.EncodeInbound(ev)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", string(ev.EventName())).Msg("cannot encode event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), frame)
	msg.Metadata.Set(MetadataEvent, string(ev.EventName()))
	if m.session != nil {
		if id := m.session(); id != "" {
			msg.Metadata.Set(MetadataSession, id)
		}
	}
	if err := m.pub.Publish(m.topic, msg); err != nil {
		m.logger.Warn().Err(err).Str("event", string(ev.EventName())).Msg("mirror publish failed")
	}
}

// Close detaches from every source and closes the publisher.
func (m *Mirror) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return m.pub.Close()
}

// NewGoChannel returns the in-process pub/sub used when no broker is configured.
func NewGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64},
		redisstream.NewWatermillLogger(log.With().Str("component", "mirror").Logger()))
}

// Follow decodes mirrored frames from sub and passes them to fn until ctx is
// done or the subscription ends. Undecodable frames are acked and skipped.
func Follow(ctx context.Context, sub message.Subscriber, topic string, fn func(ev events.Inbound, md message.Metadata)) error {
	if topic == "" {
		topic = DefaultTopic
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	logger := log.With().Str("component", "mirror").Str("topic", topic).Logger()
	logger.Debug().Msg("following mirror")
	for msg := range ch {
		ev, err := events.Decode(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode mirrored frame")
			msg.Ack()
			continue
		}
		fn(ev, msg.Metadata)
		msg.Ack()
	}
	return ctx.Err()
}
