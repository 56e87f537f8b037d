package chatstate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type unknownAction struct{}

func (unknownAction) isAction() {}

func seqIDs() IDFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
}

func TestReduce_AppendKeepsCallOrder(t *testing.T) {
	r := Reducer{NewID: seqIDs()}
	st := State{}
	texts := []string{"hola", "hola", "¿cómo estás?", "bien", "hola"}
	for _, txt := range texts {
		st = r.Reduce(st, Append{Message: Message{Kind: KindUser, Text: txt}})
	}
	require.Len(t, st.Messages, len(texts))
	for i, txt := range texts {
		require.Equal(t, txt, st.Messages[i].Text)
	}
	require.Equal(t, "m1", st.Messages[0].ID)
	require.Equal(t, "m5", st.Messages[4].ID)
}

func TestReduce_AppendKeepsGivenID(t *testing.T) {
	st := Reduce(State{}, Append{Message: Message{ID: "fixed", Kind: KindBot, Text: "x"}})
	require.Equal(t, "fixed", st.Messages[0].ID)

	st = Reduce(st, Append{Message: Message{Kind: KindBot, Text: "y"}})
	require.NotEmpty(t, st.Messages[1].ID)
	require.NotEqual(t, "fixed", st.Messages[1].ID)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	base := Reduce(State{}, Append{Message: Message{ID: "a", Text: "a"}})
	before := base.Clone()

	_ = Reduce(base, Append{Message: Message{ID: "b", Text: "b"}})
	_ = Reduce(base, Clear{})
	_ = Reduce(base, SetActiveConversationID{ID: "conv"})

	require.Equal(t, before, base)
}

func TestReduce_ReplaceAllThenAppend(t *testing.T) {
	loaded := []Message{
		{ID: "1", Kind: KindUser, Text: "u1"},
		{ID: "2", Kind: KindBot, Text: "b1"},
	}
	st := Reduce(State{Messages: []Message{{ID: "old", Text: "old"}}}, ReplaceAll{Messages: loaded})
	st = Reduce(st, Append{Message: Message{ID: "3", Kind: KindUser, Text: "u2"}})

	require.Len(t, st.Messages, 3)
	require.Equal(t, loaded, st.Messages[:2])
	require.Equal(t, "u2", st.Messages[2].Text)

	loaded[0].Text = "changed"
	require.Equal(t, "u1", st.Messages[0].Text)
}

func TestReduce_ClearKeepsActiveConversation(t *testing.T) {
	st := State{
		Messages:             []Message{{ID: "1"}, {ID: "2"}},
		AwaitingReply:        true,
		TransportUp:          true,
		ActiveConversationID: "conv_2024_05_01.json",
	}
	st = Reduce(st, Clear{})
	require.Empty(t, st.Messages)
	require.Equal(t, "conv_2024_05_01.json", st.ActiveConversationID)
	require.True(t, st.AwaitingReply)
	require.True(t, st.TransportUp)

	st = Reduce(State{}, Clear{})
	require.Empty(t, st.Messages)
}

func TestReduce_FlagsAndUnknownAction(t *testing.T) {
	st := Reduce(State{}, SetAwaitingReply{Value: true})
	require.True(t, st.AwaitingReply)
	st = Reduce(st, SetTransportUp{Value: true})
	require.True(t, st.TransportUp)
	st = Reduce(st, SetActiveConversationID{ID: "c"})
	require.True(t, st.HasActiveConversation())
	st = Reduce(st, SetActiveConversationID{})
	require.False(t, st.HasActiveConversation())

	same := Reduce(st, unknownAction{})
	require.Equal(t, st, same)
	require.Equal(t, st, Reduce(st, nil))
}

func TestStore_DispatchNotifiesOncePerCall(t *testing.T) {
	s := NewStore(WithReducer(Reducer{NewID: seqIDs()}))
	var (
		mu    sync.Mutex
		calls []State
	)
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		calls = append(calls, st)
		mu.Unlock()
	})

	s.Dispatch(
		Append{Message: Message{Kind: KindBot, Text: "respuesta"}},
		SetAwaitingReply{Value: false},
	)
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 1)

	unsubscribe()
	unsubscribe()
	s.Dispatch(Clear{})
	require.Len(t, calls, 1)
	require.Empty(t, s.State().Messages)
}

func TestStore_StateIsSnapshot(t *testing.T) {
	s := NewStore()
	s.Dispatch(Append{Message: Message{ID: "a", Text: "a"}})
	snap := s.State()
	snap.Messages[0].Text = "mutated"
	require.Equal(t, "a", s.State().Messages[0].Text)
}

func TestReduce_ReplaceAllAssignsMissingIDs(t *testing.T) {
	r := Reducer{NewID: func() string { return "generated" }}
	st := r.Reduce(State{}, ReplaceAll{Messages: []Message{{ID: "keep", Text: "a"}, {Text: "b"}}})
	require.Equal(t, "keep", st.Messages[0].ID)
	require.Equal(t, "generated", st.Messages[1].ID)
}
