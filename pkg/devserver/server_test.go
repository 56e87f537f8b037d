package devserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 3, 8, 30, 0, 0, time.UTC)

func newSeededServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	store := NewConversationStore()
	_, err := store.Seed(writeFixture(t))
	require.NoError(t, err)
	opts = append([]Option{WithStore(store), WithClock(func() time.Time { return fixedNow })}, opts...)
	srv := New(opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Pool().CloseAll()
		ts.Close()
	})
	return srv, ts
}

func TestRESTThroughGateway(t *testing.T) {
	_, ts := newSeededServer(t)
	gw, err := gateway.NewHTTPGateway(ts.URL)
	require.NoError(t, err)
	ctx := context.Background()

	list, err := gw.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	tr, err := gw.GetConversation(ctx, "conv_2024_05_01.json")
	require.NoError(t, err)
	require.Len(t, tr.Exchanges, 2)
	require.Equal(t, "llama3", tr.Model)

	_, err = gw.GetConversation(ctx, "missing.json")
	require.True(t, errors.Is(err, gateway.ErrNotFound))

	latest, err := gw.GetLatestConversation(ctx)
	require.NoError(t, err)
	require.True(t, latest.Exists)
	require.Equal(t, "conv_2024_05_02.json", latest.Filename)
	require.Equal(t, 1, latest.Exchanges)

	h, err := gw.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Status)

	ms, err := gw.ModelStatus(ctx)
	require.NoError(t, err)
	require.True(t, ms.Connected)
	require.Equal(t, "echo", ms.Model)
}

func TestLatestWhenEmpty(t *testing.T) {
	srv := New()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	gw, err := gateway.NewHTTPGateway(ts.URL)
	require.NoError(t, err)

	latest, err := gw.GetLatestConversation(context.Background())
	require.NoError(t, err)
	require.False(t, latest.Exists)
}

func TestGrammarNotesEndpoints(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, ts := newSeededServer(t, WithGrammarNotes(filepath.Join(t.TempDir(), "none.md")))
		gw, err := gateway.NewHTTPGateway(ts.URL)
		require.NoError(t, err)

		notes, err := gw.GrammarNotes(context.Background())
		require.NoError(t, err)
		require.False(t, notes.Exists)
		require.Equal(t, "No grammar notes file found", notes.Message)

		_, err = gw.ExportGrammarNotes(context.Background(), &bytes.Buffer{})
		var se *gateway.StatusError
		require.True(t, errors.As(err, &se))
		require.Equal(t, http.StatusNotFound, se.Status)
		require.Equal(t, "No grammar notes to export", se.Message)
	})
	t.Run("present", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "notes.md")
		require.NoError(t, os.WriteFile(path, []byte("# Ser vs Estar\n"), 0o644))
		_, ts := newSeededServer(t, WithGrammarNotes(path))
		gw, err := gateway.NewHTTPGateway(ts.URL)
		require.NoError(t, err)

		notes, err := gw.GrammarNotes(context.Background())
		require.NoError(t, err)
		require.True(t, notes.Exists)
		require.Equal(t, int64(15), notes.FileSize)

		resp, err := http.Get(ts.URL + "/api/grammar-notes/export")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, "text/markdown", resp.Header.Get("Content-Type"))
		require.Contains(t, resp.Header.Get("Content-Disposition"), "spanish_grammar_notes_20240503.md")
	})
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
