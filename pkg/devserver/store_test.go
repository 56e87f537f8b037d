package devserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
conversations:
  - file: conv_2024_05_01.json
    session_start: "2024-05-01T10:00:00"
    model: llama3
    conversation:
      - {user: "Hola", bot: "¡Hola! ¿Cómo estás?", timestamp: "2024-05-01T10:00:05"}
      - {user: "Bien", bot: "¡Qué bueno!", timestamp: "2024-05-01T10:00:30"}
  - file: conv_2024_05_02.json
    session_start: "2024-05-02T09:00:00.123456"
    model: llama3
    conversation:
      - {user: "Adiós", bot: "¡Hasta luego!", timestamp: "2024-05-02T09:00:10"}
`

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o644))
	return path
}

func TestConversationStoreSeedAndList(t *testing.T) {
	s := NewConversationStore()
	n, err := s.Seed(writeFixture(t))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "conv_2024_05_02.json", list[0].File)
	require.Equal(t, 1, list[0].Exchanges)
	require.Equal(t, "conv_2024_05_01.json", list[1].File)
	require.Equal(t, 2, list[1].Exchanges)
	require.Positive(t, list[1].FileSize)

	latest, ok := s.Latest()
	require.True(t, ok)
	require.Equal(t, "conv_2024_05_02.json", latest.File)
}

func TestConversationStoreGetCopies(t *testing.T) {
	s := NewConversationStore()
	require.NoError(t, s.Put(Conversation{File: "a.json", Exchanges: []gateway.Exchange{{User: "u", Bot: "b"}}}))

	c, ok := s.Get("a.json")
	require.True(t, ok)
	c.Exchanges[0].User = "changed"

	again, _ := s.Get("a.json")
	require.Equal(t, "u", again.Exchanges[0].User)

	_, ok = s.Get("missing.json")
	require.False(t, ok)
	require.Error(t, s.Put(Conversation{File: " "}))
}

func TestConversationStoreLatestEmpty(t *testing.T) {
	_, ok := NewConversationStore().Latest()
	require.False(t, ok)
}

func TestLoadFixturesErrors(t *testing.T) {
	_, err := LoadFixtures(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("conversations: [ {"), 0o644))
	_, err = LoadFixtures(bad)
	require.Error(t, err)
}
