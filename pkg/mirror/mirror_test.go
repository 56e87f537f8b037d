package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fanout struct {
	mu       sync.Mutex
	handlers map[int]transport.Handler
	next     int
}

func (f *fanout) OnAny(fn transport.Handler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[int]transport.Handler{}
	}
	f.next++
	id := f.next
	f.handlers[id] = fn
	return transport.NewSubscription(func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	})
}

func (f *fanout) push(ev events.Inbound) {
	f.mu.Lock()
	var hs []transport.Handler
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func TestMirrorRepublishesFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gc := NewGoChannel()
	msgs, err := gc.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)

	src := &fanout{}
	m := New(gc, WithSessionID(func() string { return "sess-1" }))
	m.Attach(src)
	defer func() { _ = m.Close() }()

	src.push(events.BotMessage{TextMessage: events.TextMessage{Message: "¡Hola!", Timestamp: "2024-05-01T10:00:00"}})

	select {
	case msg := <-msgs:
		require.Equal(t, "bot_message", msg.Metadata.Get(MetadataEvent))
		require.Equal(t, "sess-1", msg.Metadata.Get(MetadataSession))
		ev, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, "¡Hola!", ev.(events.BotMessage).Message)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no mirrored message")
	}
}

func TestMirrorCloseDetaches(t *testing.T) {
	src := &fanout{}
	m := New(NewGoChannel(), WithTopic("custom"))
	require.Equal(t, "custom", m.Topic())
	m.Attach(src)
	require.Len(t, src.handlers, 1)
	require.NoError(t, m.Close())
	require.Empty(t, src.handlers)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(string, ...*message.Message) error {
	p.calls++
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestMirrorSwallowsPublishErrors(t *testing.T) {
	pub := &failingPublisher{}
	m := New(pub)
	require.NotPanics(t, func() {
		m.Publish(events.Error{Message: "x"})
	})
	require.Equal(t, 1, pub.calls)
}

func TestFollowDecodesAndSkipsGarbage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gc := NewGoChannel()
	defer func() { _ = gc.Close() }()

	var mu sync.Mutex
	var got []events.Name
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, gc, "", func(ev events.Inbound, md message.Metadata) {
			mu.Lock()
			got = append(got, ev.EventName())
			mu.Unlock()
		})
	}()

	m := New(gc)
	// wait for the follower's subscription before publishing; gochannel drops
	// messages published with no subscribers
	require.Eventually(t, func() bool {
		_ = gc.Publish(DefaultTopic, message.NewMessage("bad-frame", []byte("not json")))
		m.Publish(events.SystemMessage{TextMessage: events.TextMessage{Message: "hola"}})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, events.NameSystemMessage, got[0])
}
