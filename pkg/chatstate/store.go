package chatstate

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Store owns the live State of a client session. All mutations go through
// Dispatch; observers are called after each dispatch with a snapshot.
type Store struct {
	mu        sync.Mutex
	reducer   Reducer
	state     State
	observers map[uint64]func(State)
	nextID    uint64
}

type StoreOption func(*Store)

func WithReducer(r Reducer) StoreOption {
	return func(s *Store) { s.reducer = r }
}

func WithInitialState(st State) StoreOption {
	return func(s *Store) { s.state = st.Clone() }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		state:     State{Messages: []Message{}},
		observers: map[uint64]func(State){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch applies actions in order as one transition and notifies observers
// once with the resulting state.
func (s *Store) Dispatch(actions ...Action) State {
	if len(actions) == 0 {
		return s.State()
	}
	s.mu.Lock()
	st := s.state
	for _, a := range actions {
		st = s.reducer.Reduce(st, a)
	}
	s.state = st
	obs := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	snapshot := st.Clone()
	s.mu.Unlock()

	log.Trace().Str("component", "chatstate").
		Int("messages", len(snapshot.Messages)).
		Bool("awaiting_reply", snapshot.AwaitingReply).
		Str("active_conversation", snapshot.ActiveConversationID).
		Msg("dispatched")

	for _, fn := range obs {
		fn(snapshot)
	}
	return snapshot
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn to be called after every dispatch. The returned func
// removes it.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}
