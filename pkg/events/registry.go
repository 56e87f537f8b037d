package events

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Decoder turns the raw data of one envelope into a typed inbound event.
// A decoder validates the payload and returns ErrInvalidPayload (wrapped) when
// required fields are missing.
type Decoder func(data json.RawMessage) (Inbound, error)

var (
	mu       sync.RWMutex
	decoders = map[Name]Decoder{}
)

// Register installs the decoder for an inbound event name, replacing any
// previous one.
func Register(name Name, d Decoder) {
	mu.Lock()
	defer mu.Unlock()
	decoders[name] = d
}

// RegisterTyped registers a decoder that unmarshals into T and then runs
// validate on it (validate may be nil).
func RegisterTyped[T Inbound](name Name, validate func(T) error) {
	Register(name, func(data json.RawMessage) (Inbound, error) {
		var v T
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, errors.Wrapf(ErrInvalidPayload, "%s: %v", name, err)
			}
		}
		if validate != nil {
			if err := validate(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	})
}

// Decode parses one wire frame into a typed inbound event.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Inbound, error) {
	if env.Event == "" {
		return nil, errors.Wrap(ErrInvalidPayload, "missing event name")
	}
	mu.RLock()
	d, ok := decoders[env.Event]
	mu.RUnlock()
	if !ok || d == nil {
		return nil, errors.Wrapf(ErrUnknownEvent, "%q", env.Event)
	}
	return d(env.Data)
}

func init() {
	RegisterTyped[UserMessage](NameUserMessage, nil)
	RegisterTyped[BotMessage](NameBotMessage, nil)
	RegisterTyped[SystemMessage](NameSystemMessage, nil)
	RegisterTyped[ConnectionStatus](NameConnectionStatus, nil)
	RegisterTyped[ConversationCleared](NameConversationCleared, nil)
	RegisterTyped[ConversationLoaded](NameConversationLoaded, validateLoaded)
	RegisterTyped[Error](NameError, nil)
}

func validateLoaded(e ConversationLoaded) error {
	if strings.TrimSpace(e.Filename) == "" {
		return errors.Wrap(ErrInvalidPayload, "conversation_loaded: empty filename")
	}
	return nil
}
