package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, h http.Handler) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewHTTPGateway(srv.URL)
	require.NoError(t, err)
	return g
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewHTTPGateway_RejectsNonHTTP(t *testing.T) {
	_, err := NewHTTPGateway("ws://localhost:5000")
	require.Error(t, err)
	_, err = NewHTTPGateway("http://localhost:5000/")
	require.NoError(t, err)
}

func TestListConversations(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/list", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"conversations": []map[string]any{
				{"file": "conv_2024_05_02.json", "session_start": "2024-05-02T10:00:00", "exchanges": 3, "model": "llama3", "file_size": 1200},
				{"file": "conv_2024_05_01.json", "session_start": "2024-05-01T10:00:00", "exchanges": 2, "model": "llama3", "file_size": 800},
			},
			"count": 2,
		})
	}))

	list, err := g.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "conv_2024_05_02.json", list[0].File)
	require.Equal(t, 3, list[0].Exchanges)
	require.Equal(t, int64(800), list[1].FileSize)
}

func TestGetConversation_AcceptsBothKeys(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/new.json":
			writeJSON(w, http.StatusOK, map[string]any{
				"conversation":  []map[string]string{{"user": "hola", "bot": "¡Hola!", "timestamp": "2024-05-01T10:00:00"}},
				"session_start": "2024-05-01T10:00:00",
				"model":         "llama3",
			})
		case "/api/conversations/old.json":
			writeJSON(w, http.StatusOK, map[string]any{
				"messages": []map[string]string{{"user": "adiós", "bot": "¡Hasta luego!", "timestamp": "2024-04-01T10:00:00"}},
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Conversation not found"})
		}
	}))
	ctx := context.Background()

	tr, err := g.GetConversation(ctx, "new.json")
	require.NoError(t, err)
	require.Equal(t, "llama3", tr.Model)
	require.Equal(t, []Exchange{{User: "hola", Bot: "¡Hola!", Timestamp: "2024-05-01T10:00:00"}}, tr.Exchanges)

	tr, err = g.GetConversation(ctx, "old.json")
	require.NoError(t, err)
	require.Len(t, tr.Exchanges, 1)
	require.Equal(t, "adiós", tr.Exchanges[0].User)

	_, err = g.GetConversation(ctx, "missing.json")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = g.GetConversation(ctx, "  ")
	require.Error(t, err)
}

func TestGetConversation_EscapesFilename(t *testing.T) {
	var got string
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.EscapedPath()
		writeJSON(w, http.StatusOK, map[string]any{"conversation": []any{}})
	}))
	_, err := g.GetConversation(context.Background(), "a b/c.json")
	require.NoError(t, err)
	require.Equal(t, "/api/conversations/a%20b%2Fc.json", got)
}

func TestGetLatestConversation(t *testing.T) {
	exists := true
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/latest", r.URL.Path)
		if !exists {
			writeJSON(w, http.StatusOK, map[string]any{"exists": false, "message": "No conversations found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"exists":        true,
			"filename":      "conv_2024_05_01.json",
			"session_start": "2024-05-01T10:00:00",
			"exchanges":     1,
			"conversation":  []map[string]string{{"user": "u", "bot": "b", "timestamp": "2024-05-01T10:00:01"}},
		})
	}))
	ctx := context.Background()

	latest, err := g.GetLatestConversation(ctx)
	require.NoError(t, err)
	require.True(t, latest.Exists)
	require.Equal(t, "conv_2024_05_01.json", latest.Filename)
	require.Len(t, latest.Conversation, 1)

	exists = false
	latest, err = g.GetLatestConversation(ctx)
	require.NoError(t, err)
	require.False(t, latest.Exists)
	require.Empty(t, latest.Filename)
}

func TestStatusErrorCarriesServerMessage(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "disk full"})
	}))
	_, err := g.ListConversations(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusInternalServerError, se.Status)
	require.Equal(t, "disk full", se.Message)
	require.Contains(t, err.Error(), "disk full")
}

func TestTimeoutBoundsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	g, err := NewHTTPGateway(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = g.GetLatestConversation(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestWithTimeoutLeavesSharedClientAlone(t *testing.T) {
	orig := http.DefaultClient.Timeout
	t.Cleanup(func() { http.DefaultClient.Timeout = orig })

	g, err := NewHTTPGateway("http://localhost:1", WithHTTPClient(http.DefaultClient), WithTimeout(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, g.client.Timeout)
	require.Equal(t, orig, http.DefaultClient.Timeout)

	g, err = NewHTTPGateway("http://localhost:1", WithTimeout(3*time.Second), WithHTTPClient(http.DefaultClient))
	require.NoError(t, err)
	require.Same(t, http.DefaultClient, g.client)
	require.Equal(t, orig, http.DefaultClient.Timeout)
}

func TestHealthModelStatusAndGrammarNotes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "active_sessions": 2})
	})
	mux.HandleFunc("/api/ollama/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false, "error": "connection refused"})
	})
	mux.HandleFunc("/api/grammar-notes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"content": "# Notas", "exists": true, "file_size": 7})
	})
	mux.HandleFunc("/api/grammar-notes/export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte("# Notas\n"))
	})
	g := newTestGateway(t, mux)
	ctx := context.Background()

	h, err := g.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, 2, h.Sessions)

	ms, err := g.ModelStatus(ctx)
	require.NoError(t, err)
	require.False(t, ms.Connected)
	require.Equal(t, "connection refused", ms.Error)

	notes, err := g.GrammarNotes(ctx)
	require.NoError(t, err)
	require.True(t, notes.Exists)
	require.Equal(t, "# Notas", notes.Content)

	var buf bytes.Buffer
	n, err := g.ExportGrammarNotes(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, int64(8), n)
	require.Equal(t, "# Notas\n", buf.String())
}
