package chatstate

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindUser   Kind = "user"
	KindBot    Kind = "bot"
	KindSystem Kind = "system"
)

// ParseKind maps a wire message type onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindUser, KindBot, KindSystem:
		return Kind(s), true
	default:
		return "", false
	}
}

// Message is immutable once appended.
type Message struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// State is the conversation view of one client session. ActiveConversationID
// is empty when no conversation is active.
type State struct {
	Messages             []Message `json:"messages"`
	AwaitingReply        bool      `json:"awaiting_reply"`
	TransportUp          bool      `json:"transport_up"`
	ActiveConversationID string    `json:"active_conversation_id,omitempty"`
}

func (s State) HasActiveConversation() bool {
	return s.ActiveConversationID != ""
}

// Clone returns a copy whose message slice does not alias s.
func (s State) Clone() State {
	out := s
	if s.Messages != nil {
		out.Messages = append([]Message(nil), s.Messages...)
	}
	return out
}

// Action is one of the reducer's closed set of state transitions.
type Action interface {
	isAction()
}

type Append struct{ Message Message }

type SetAwaitingReply struct{ Value bool }

type SetTransportUp struct{ Value bool }

type Clear struct{}

type ReplaceAll struct{ Messages []Message }

type SetActiveConversationID struct{ ID string }

func (Append) isAction()                  {}
func (SetAwaitingReply) isAction()        {}
func (SetTransportUp) isAction()          {}
func (Clear) isAction()                   {}
func (ReplaceAll) isAction()              {}
func (SetActiveConversationID) isAction() {}

// IDFunc generates message identifiers.
type IDFunc func() string

// Reducer applies actions to a State. The zero value uses random UUIDs.
type Reducer struct {
	NewID IDFunc
}

// Reduce applies action to state with the default Reducer.
func Reduce(state State, action Action) State {
	return Reducer{}.Reduce(state, action)
}

// Reduce returns the state that results from applying action to state. The
// input is never modified; unknown actions return state unchanged.
func (r Reducer) Reduce(state State, action Action) State {
	switch a := action.(type) {
	case Append:
		m := a.Message
		if m.ID == "" {
			m.ID = r.newID()
		}
		next := state
		next.Messages = make([]Message, 0, len(state.Messages)+1)
		next.Messages = append(next.Messages, state.Messages...)
		next.Messages = append(next.Messages, m)
		return next
	case SetAwaitingReply:
		state.AwaitingReply = a.Value
		return state
	case SetTransportUp:
		state.TransportUp = a.Value
		return state
	case Clear:
		state.Messages = []Message{}
		return state
	case ReplaceAll:
		state.Messages = append(make([]Message, 0, len(a.Messages)), a.Messages...)
		for i := range state.Messages {
			if state.Messages[i].ID == "" {
				state.Messages[i].ID = r.newID()
			}
		}
		return state
	case SetActiveConversationID:
		state.ActiveConversationID = a.ID
		return state
	default:
		return state
	}
}

func (r Reducer) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
