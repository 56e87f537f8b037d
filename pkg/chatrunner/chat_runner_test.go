package chatrunner

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/tutorchat/pkg/devserver"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/go-go-golems/tutorchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	srv    *devserver.Server
	out    *syncBuffer
	in     *io.PipeWriter
	copied chan string
	done   chan error
	local  *kvstore.Local
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := devserver.New()
	require.NoError(t, srv.Store().Put(devserver.Conversation{
		File:         "conv_a.json",
		SessionStart: "2024-05-01T10:00:00",
		Model:        "echo",
		Exchanges:    []gateway.Exchange{{User: "Hola", Bot: "¡Hola! ¿Qué tal?", Timestamp: "2024-05-01T10:00:05"}},
	}))
	ts := httptest.NewServer(srv.Handler())

	wsURL, err := transport.WebSocketURL(ts.URL, "/ws")
	require.NoError(t, err)
	gw, err := gateway.NewHTTPGateway(ts.URL)
	require.NoError(t, err)

	inR, inW := io.Pipe()
	h := &harness{
		srv:    srv,
		out:    &syncBuffer{},
		in:     inW,
		copied: make(chan string, 1),
		done:   make(chan error, 1),
		local:  kvstore.NewLocal(nil, nil),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cs, err := NewChatBuilder().
		WithContext(ctx).
		WithTransport(transport.New(wsURL, transport.WithPolicy(transport.Policy{
			BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 5,
		}))).
		WithGateway(gw).
		WithLocal(h.local).
		WithInput(inR).
		WithOutputWriter(h.out).
		WithColor(false).
		WithClipboard(func(s string) error {
			h.copied <- s
			return nil
		}).
		Build()
	require.NoError(t, err)

	go func() { h.done <- cs.Run() }()
	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		srv.Pool().CloseAll()
		ts.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(t, err)
}

func (h *harness) waitFor(t *testing.T, s string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(h.out.String(), s) },
		3*time.Second, 10*time.Millisecond, "output never contained %q:\n%s", s, h.out.String())
}

func TestChatSessionRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.waitFor(t, "you: Hola")
	h.waitFor(t, "tutor: ¡Hola! ¿Qué tal?")
	h.waitFor(t, "system: Welcome to Spanish Tutor!")
	marker, ok := h.local.GetDurable(context.Background(), kvstore.KeyActiveConversationID)
	require.True(t, ok)
	require.Equal(t, "conv_a.json", marker)

	h.send(t, "hola")
	h.waitFor(t, "tutor: Dijiste: hola")

	h.send(t, "/copy")
	select {
	case got := <-h.copied:
		require.Equal(t, "Dijiste: hola", got)
	case <-time.After(3 * time.Second):
		t.Fatal("clipboard was not written")
	}
	h.waitFor(t, "[success] Copied last reply to clipboard")

	h.send(t, "/list")
	h.waitFor(t, "* conv_a.json")

	h.send(t, "/status")
	h.waitFor(t, "transport:    connected")
	h.waitFor(t, "conversation: conv_a.json")

	h.send(t, "/new")
	h.waitFor(t, "Start a new conversation?")
	h.send(t, "y")
	h.waitFor(t, "[success] New conversation started")
	h.waitFor(t, "── new conversation ──")
	require.Equal(t, 2, h.srv.Store().Len())

	h.send(t, "/load conv_a.json")
	h.waitFor(t, "── conversation conv_a.json ──")
	h.waitFor(t, "[success] Loaded conversation with 1 exchanges")

	h.send(t, "/quit")
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop on /quit")
	}
}

func TestChatSessionCommandErrors(t *testing.T) {
	h := newHarness(t)
	h.waitFor(t, "system: Welcome to Spanish Tutor!")

	h.send(t, "/load")
	h.waitFor(t, "[error] usage: /load <file>")

	h.send(t, "/bogus")
	h.waitFor(t, "unknown command /bogus")

	h.send(t, "/load nope.json")
	h.waitFor(t, "[error] Failed to load conversation")

	require.NoError(t, h.in.Close())
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop at end of input")
	}
}

func TestBuilderRequiresTransportAndGateway(t *testing.T) {
	_, err := NewChatBuilder().Build()
	require.Error(t, err)

	_, err = NewChatBuilder().WithTransport(transport.New("ws://localhost:1/ws")).Build()
	require.Error(t, err)

	_, err = NewChatBuilder().WithContext(nil).Build() //nolint:staticcheck
	require.Error(t, err)
}

func TestLineReaderHandsOutOneLinePerRead(t *testing.T) {
	lr := newLineReader(strings.NewReader("first\nsecond\r\nthird"))
	buf := make([]byte, 64)
	n, err := lr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "first\n", string(buf[:n]))

	line, err := lr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "second", line)

	n, err = lr.Read(buf[:2])
	require.NoError(t, err)
	require.Equal(t, "th", string(buf[:n]))
	line, err = lr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ird", line)

	_, err = lr.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}
