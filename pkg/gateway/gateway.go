package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("conversation not found")

// Gateway is the request/response accessor for stored conversations.
type Gateway interface {
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	GetConversation(ctx context.Context, filename string) (*Transcript, error)
	GetLatestConversation(ctx context.Context) (*LatestConversation, error)
}

// ConversationSummary describes one stored conversation. It is owned by the
// server and read-only here.
type ConversationSummary struct {
	File         string `json:"file" yaml:"file"`
	SessionStart string `json:"session_start" yaml:"session_start"`
	Exchanges    int    `json:"exchanges" yaml:"exchanges"`
	Model        string `json:"model" yaml:"model"`
	FileSize     int64  `json:"file_size" yaml:"file_size"`
}

// Exchange is one user turn and the bot's answer, sharing a timestamp.
type Exchange struct {
	User      string `json:"user" yaml:"user"`
	Bot       string `json:"bot" yaml:"bot"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

type Transcript struct {
	Exchanges    []Exchange `json:"conversation" yaml:"conversation"`
	SessionStart string     `json:"session_start" yaml:"session_start"`
	Model        string     `json:"model" yaml:"model"`
}

// UnmarshalJSON accepts both the "conversation" key and the older
// "messages" key for the exchange list.
func (t *Transcript) UnmarshalJSON(b []byte) error {
	var raw struct {
		Conversation []Exchange `json:"conversation"`
		Messages     []Exchange `json:"messages"`
		SessionStart string     `json:"session_start"`
		Model        string     `json:"model"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Exchanges = raw.Conversation
	if t.Exchanges == nil {
		t.Exchanges = raw.Messages
	}
	t.SessionStart = raw.SessionStart
	t.Model = raw.Model
	return nil
}

type LatestConversation struct {
	Exists       bool       `json:"exists"`
	Filename     string     `json:"filename,omitempty"`
	SessionStart string     `json:"session_start,omitempty"`
	Exchanges    int        `json:"exchanges,omitempty"`
	Conversation []Exchange `json:"conversation,omitempty"`
	Message      string     `json:"message,omitempty"`
}

type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
	Count         int                   `json:"count"`
}

type GrammarNotes struct {
	Content  string `json:"content"`
	Exists   bool   `json:"exists"`
	Message  string `json:"message,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
	Sessions  int    `json:"active_sessions,omitempty"`
}

type ModelStatus struct {
	Connected bool   `json:"connected"`
	Host      string `json:"host,omitempty"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("gateway: %d: %s", e.Status, e.Message)
}
