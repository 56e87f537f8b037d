package devserver

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Conversation is one stored exchange log.
type Conversation struct {
	File         string             `yaml:"file" json:"-"`
	SessionStart string             `yaml:"session_start" json:"session_start"`
	Model        string             `yaml:"model" json:"model"`
	Exchanges    []gateway.Exchange `yaml:"conversation" json:"conversation"`
}

func (c Conversation) summary() gateway.ConversationSummary {
	b, _ := json.MarshalIndent(c, "", "  ")
	return gateway.ConversationSummary{
		File:         c.File,
		SessionStart: c.SessionStart,
		Exchanges:    len(c.Exchanges),
		Model:        c.Model,
		FileSize:     int64(len(b)),
	}
}

// ConversationStore keeps conversations in memory, keyed by file name.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: map[string]Conversation{}}
}

func (s *ConversationStore) Put(c Conversation) error {
	c.File = strings.TrimSpace(c.File)
	if c.File == "" {
		return errors.New("conversation file name is required")
	}
	c.Exchanges = append([]gateway.Exchange(nil), c.Exchanges...)
	s.mu.Lock()
	s.convs[c.File] = c
	s.mu.Unlock()
	return nil
}

func (s *ConversationStore) Get(file string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[file]
	if !ok {
		return Conversation{}, false
	}
	c.Exchanges = append([]gateway.Exchange(nil), c.Exchanges...)
	return c, true
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// List returns summaries, most recently started first.
func (s *ConversationStore) List() []gateway.ConversationSummary {
	s.mu.RLock()
	convs := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	sortNewestFirst(convs)
	out := make([]gateway.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.summary())
	}
	return out
}

func (s *ConversationStore) Latest() (Conversation, bool) {
	s.mu.RLock()
	convs := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()
	if len(convs) == 0 {
		return Conversation{}, false
	}
	sortNewestFirst(convs)
	return convs[0], true
}

func sortNewestFirst(convs []Conversation) {
	epoch := time.Time{}
	sort.SliceStable(convs, func(i, j int) bool {
		ti, _ := events.ParseTimestamp(convs[i].SessionStart, epoch)
		tj, _ := events.ParseTimestamp(convs[j].SessionStart, epoch)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return convs[i].File > convs[j].File
	})
}

type fixtureFile struct {
	Conversations []Conversation `yaml:"conversations"`
}

// LoadFixtures reads conversations from a YAML file of the form
//
//	conversations:
//	  - file: conv_2024_05_01.json
//	    session_start: "2024-05-01T10:00:00"
//	    model: llama3
//	    conversation:
//	      - {user: "Hola", bot: "¡Hola!", timestamp: "2024-05-01T10:00:05"}
func LoadFixtures(path string) ([]Conversation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read fixtures")
	}
	var f fixtureFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "parse fixtures %s", path)
	}
	return f.Conversations, nil
}

// Seed adds every conversation of the fixture file at path.
func (s *ConversationStore) Seed(path string) (int, error) {
	convs, err := LoadFixtures(path)
	if err != nil {
		return 0, err
	}
	for i, c := range convs {
		if err := s.Put(c); err != nil {
			return i, errors.Wrapf(err, "fixture %d", i)
		}
	}
	return len(convs), nil
}
