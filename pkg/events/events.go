package events

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Name identifies an event on the wire.
type Name string

const (
	// client -> server
	NameSendMessage           Name = "send_message"
	NameNewConversation       Name = "new_conversation"
	NameLoadConversation      Name = "load_conversation"
	NameSetActiveConversation Name = "set_active_conversation"

	// server -> client
	NameUserMessage         Name = "user_message"
	NameBotMessage          Name = "bot_message"
	NameSystemMessage       Name = "system_message"
	NameConnectionStatus    Name = "connection_status"
	NameConversationCleared Name = "conversation_cleared"
	NameConversationLoaded  Name = "conversation_loaded"
	NameError               Name = "error"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Envelope is the frame carried by one websocket text message.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented by every server -> client event.
type Inbound interface {
	EventName() Name
	inbound()
}

// Outbound is implemented by every client -> server event.
type Outbound interface {
	EventName() Name
	outbound()
}

// SendMessage asks the server to answer a user message.
type SendMessage struct {
	Message string `json:"message"`
}

func (SendMessage) EventName() Name { return NameSendMessage }
func (SendMessage) outbound()       {}

// NewConversation asks the server to archive the current exchange log and start over.
type NewConversation struct{}

func (NewConversation) EventName() Name { return NameNewConversation }
func (NewConversation) outbound()       {}

type LoadConversation struct {
	Filename string `json:"filename"`
}

func (LoadConversation) EventName() Name { return NameLoadConversation }
func (LoadConversation) outbound()       {}

// SetActiveConversation tells the server which conversation the client shows.
// A nil Filename is sent as null and means no conversation is active.
type SetActiveConversation struct {
	Filename *string `json:"filename"`
}

func (SetActiveConversation) EventName() Name { return NameSetActiveConversation }
func (SetActiveConversation) outbound()       {}

// ActiveConversation builds a SetActiveConversation for filename, or the null
// variant when filename is empty.
func ActiveConversation(filename string) SetActiveConversation {
	if strings.TrimSpace(filename) == "" {
		return SetActiveConversation{}
	}
	return SetActiveConversation{Filename: &filename}
}

// TextMessage is the payload shared by user_message, bot_message and system_message.
type TextMessage struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type UserMessage struct{ TextMessage }

func (UserMessage) EventName() Name { return NameUserMessage }
func (UserMessage) inbound()        {}

type BotMessage struct{ TextMessage }

func (BotMessage) EventName() Name { return NameBotMessage }
func (BotMessage) inbound()        {}

type SystemMessage struct{ TextMessage }

func (SystemMessage) EventName() Name { return NameSystemMessage }
func (SystemMessage) inbound()        {}

type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (ConnectionStatus) EventName() Name { return NameConnectionStatus }
func (ConnectionStatus) inbound()        {}

type ConversationCleared struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (ConversationCleared) EventName() Name { return NameConversationCleared }
func (ConversationCleared) inbound()        {}

// LoadedMessage is one entry of a conversation_loaded transcript.
type LoadedMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type ConversationLoaded struct {
	Messages []LoadedMessage `json:"messages"`
	Filename string          `json:"filename"`
	Count    int             `json:"count"`
}

func (ConversationLoaded) EventName() Name { return NameConversationLoaded }
func (ConversationLoaded) inbound()        {}

type Error struct {
	Message string `json:"message"`
}

func (Error) EventName() Name { return NameError }
func (Error) inbound()        {}

// Encode produces the wire frame for an outbound event.
func Encode(ev Outbound) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode: nil event")
	}
	if err := validateOutbound(ev); err != nil {
		return nil, err
	}
	env := Envelope{Event: ev.EventName()}
	if _, empty := ev.(NewConversation); !empty {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", ev.EventName())
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// EncodeInbound produces the wire frame for a server -> client event. The
// development server and tests use it; the client itself never sends these.
func EncodeInbound(ev Inbound) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", ev.EventName())
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

func validateOutbound(ev Outbound) error {
	switch e := ev.(type) {
	case SendMessage:
		if strings.TrimSpace(e.Message) == "" {
			return errors.Wrap(ErrInvalidPayload, "send_message: empty message")
		}
	case LoadConversation:
		if strings.TrimSpace(e.Filename) == "" {
			return errors.Wrap(ErrInvalidPayload, "load_conversation: empty filename")
		}
	}
	return nil
}
