package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/tutorchat/pkg/chatstate"
	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/go-go-golems/tutorchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrCannotSend is returned by SendMessage when the text is blank, the
// transport is down or a reply is still pending.
var ErrCannotSend = errors.New("cannot send message")

const (
	newConversationPrompt = "Start a new conversation? The current one will be saved."
	unknownErrorNote      = "Unknown error"
)

// Transport is the part of *transport.Adapter the controller drives.
type Transport interface {
	Emit(ev events.Outbound) error
	OnAny(fn transport.Handler) *transport.Subscription
	OnStatus(fn transport.StatusHandler) *transport.Subscription
}

var _ Transport = (*transport.Adapter)(nil)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier surfaces short messages to the user.
type Notifier interface {
	Notify(level Level, msg string)
}

type NotifierFunc func(level Level, msg string)

func (f NotifierFunc) Notify(level Level, msg string) { f(level, msg) }

// Confirmer asks the user a yes/no question and blocks for the answer.
type Confirmer interface {
	Confirm(prompt string) bool
}

type ConfirmerFunc func(prompt string) bool

func (f ConfirmerFunc) Confirm(prompt string) bool { return f(prompt) }

// Controller decides which conversation populates the state when a client
// starts, and keeps the state in step with the server's pushed events.
//
// All handlers and the application of fetched transcripts are serialized on
// one mutex. Gateway fetches run without it.
type Controller struct {
	transport Transport
	gateway   gateway.Gateway
	local     *kvstore.Local
	store     *chatstate.Store
	notifier  Notifier
	confirmer Confirmer
	now       func() time.Time
	logger    zerolog.Logger

	mu            sync.Mutex
	alive         bool
	attached      bool
	loadAttempted bool
	subs          []*transport.Subscription
}

type Option func(*Controller)

func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithConfirmer(cf Confirmer) Option {
	return func(c *Controller) {
		if cf != nil {
			c.confirmer = cf
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func New(t Transport, gw gateway.Gateway, local *kvstore.Local, store *chatstate.Store, opts ...Option) *Controller {
	if local == nil {
		local = kvstore.NewLocal(nil, nil)
	}
	if store == nil {
		store = chatstate.NewStore()
	}
	c := &Controller{
		transport: t,
		gateway:   gw,
		local:     local,
		store:     store,
		notifier:  NotifierFunc(func(Level, string) {}),
		confirmer: ConfirmerFunc(func(string) bool { return false }),
		now:       time.Now,
		logger:    log.With().Str("component", "reconcile").Logger(),
		alive:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Store() *chatstate.Store { return c.store }

// Attach subscribes the controller to the transport. Calling it more than
// once has no effect.
func (c *Controller) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive || c.attached {
		return
	}
	c.attached = true
	c.subs = append(c.subs,
		c.transport.OnAny(c.handleEvent),
		c.transport.OnStatus(c.handleStatus),
	)
}

// Close disposes every subscription. Fetches still in flight complete but
// their results are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.alive = false
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Mount runs the startup reconciliation once per controller.
func (c *Controller) Mount(ctx context.Context) {
	marker, ok := c.beginMount(ctx)
	if !ok {
		return
	}

	if marker != "" {
		if c.loadFromMarker(ctx, marker) {
			return
		}
	}
	c.loadLatest(ctx)
}

// beginMount evaluates the guards that do not need the gateway. It returns
// the durable marker, or ok=false if reconciliation must stop.
func (c *Controller) beginMount(ctx context.Context) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive || c.loadAttempted {
		return "", false
	}
	c.loadAttempted = true

	st := c.store.State()
	if len(st.Messages) > 0 {
		c.logger.Debug().Int("messages", len(st.Messages)).Msg("skip auto-load: messages present")
		return "", false
	}
	if st.HasActiveConversation() {
		c.logger.Debug().Str("conversation", st.ActiveConversationID).Msg("skip auto-load: conversation active")
		return "", false
	}

	marker, hasMarker := c.local.GetDurable(ctx, kvstore.KeyActiveConversationID)
	_, suppressed := c.local.GetSession(ctx, kvstore.KeyAutoLoadSuppressed)
	if suppressed && (!hasMarker || len(st.Messages) == 0) {
		c.logger.Debug().Msg("clearing stale auto-load suppression")
		c.local.RemoveSession(ctx, kvstore.KeyAutoLoadSuppressed)
		suppressed = false
	}
	if suppressed {
		return "", false
	}
	if !hasMarker {
		marker = ""
	}
	return strings.TrimSpace(marker), true
}

func (c *Controller) loadFromMarker(ctx context.Context, marker string) bool {
	tr, err := c.gateway.GetConversation(ctx, marker)
	if err != nil {
		c.logger.Info().Err(err).Str("conversation", marker).Msg("stored conversation unavailable")
	}

	done, announce := c.applyMarker(ctx, marker, tr)
	c.emit(announce)
	return done
}

func (c *Controller) applyMarker(ctx context.Context, marker string, tr *gateway.Transcript) (bool, events.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.superseded() {
		return true, nil
	}
	var msgs []chatstate.Message
	if tr != nil {
		msgs = MessagesFromExchanges(tr.Exchanges, c.now())
	}
	if len(msgs) == 0 {
		c.local.RemoveDurable(ctx, kvstore.KeyActiveConversationID)
		return false, nil
	}
	announce := c.applyLoadLocked(ctx, marker, msgs)
	c.logger.Info().Str("conversation", marker).Int("messages", len(msgs)).Msg("restored conversation")
	return true, announce
}

func (c *Controller) loadLatest(ctx context.Context) {
	latest, err := c.gateway.GetLatestConversation(ctx)
	if err != nil {
		c.logger.Info().Err(err).Msg("latest conversation unavailable")
		return
	}
	c.emit(c.applyLatest(ctx, latest))
}

func (c *Controller) applyLatest(ctx context.Context, latest *gateway.LatestConversation) events.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.superseded() {
		return nil
	}
	filename := strings.TrimSpace(latest.Filename)
	if !latest.Exists || filename == "" {
		return nil
	}
	msgs := MessagesFromExchanges(latest.Conversation, c.now())
	if len(msgs) == 0 {
		return nil
	}
	announce := c.applyLoadLocked(ctx, filename, msgs)
	c.logger.Info().Str("conversation", filename).Int("messages", len(msgs)).Msg("loaded latest conversation")
	return announce
}

// superseded reports whether a fetched result must be dropped: the
// controller is closed, or state was populated while the fetch was running.
func (c *Controller) superseded() bool {
	if !c.alive {
		c.logger.Debug().Msg("dropping fetch result: controller closed")
		return true
	}
	st := c.store.State()
	if len(st.Messages) > 0 || st.HasActiveConversation() {
		c.logger.Debug().Msg("dropping fetch result: state already populated")
		return true
	}
	return false
}

// applyLoadLocked installs a loaded conversation and returns the
// announcement the caller emits once c.mu is released.
func (c *Controller) applyLoadLocked(ctx context.Context, filename string, msgs []chatstate.Message) events.Outbound {
	c.store.Dispatch(
		chatstate.ReplaceAll{Messages: msgs},
		chatstate.SetActiveConversationID{ID: filename},
	)
	c.local.SetDurable(ctx, kvstore.KeyActiveConversationID, filename)
	c.local.SetSession(ctx, kvstore.KeyAutoLoadSuppressed, "true")
	return events.ActiveConversation(filename)
}

// emit writes ev to the transport. It must not be called with c.mu held.
// A nil ev is a no-op.
func (c *Controller) emit(ev events.Outbound) {
	if ev == nil {
		return
	}
	if err := c.transport.Emit(ev); err != nil {
		c.logger.Warn().Err(err).Str("event", string(ev.EventName())).Msg("emit failed")
	}
}

// handleStatus mirrors the connection state. On every (re)connect the active
// conversation is announced again, since emits made while down were dropped.
func (c *Controller) handleStatus(sc transport.StatusChange) {
	var announce events.Outbound

	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	up := sc.State == transport.StateConnected
	st := c.store.Dispatch(chatstate.SetTransportUp{Value: up})
	if up && st.HasActiveConversation() {
		announce = events.ActiveConversation(st.ActiveConversationID)
	}
	c.mu.Unlock()

	c.emit(announce)
}

func (c *Controller) handleEvent(ev events.Inbound) {
	ctx := context.Background()
	var level Level
	var note string
	var announce events.Outbound

	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case events.ConnectionStatus:
		c.store.Dispatch(chatstate.SetTransportUp{Value: e.Connected})

	case events.UserMessage:
		c.logger.Debug().Msg("message acknowledged by server")

	case events.BotMessage:
		c.store.Dispatch(
			chatstate.Append{Message: c.textMessage(chatstate.KindBot, e.TextMessage)},
			chatstate.SetAwaitingReply{Value: false},
		)

	case events.SystemMessage:
		c.store.Dispatch(chatstate.Append{Message: c.textMessage(chatstate.KindSystem, e.TextMessage)})

	case events.ConversationCleared:
		c.store.Dispatch(chatstate.Clear{}, chatstate.SetActiveConversationID{})
		c.local.RemoveDurable(ctx, kvstore.KeyActiveConversationID)
		c.local.RemoveSession(ctx, kvstore.KeyAutoLoadSuppressed)
		announce = events.ActiveConversation("")
		level, note = LevelSuccess, "New conversation started"

	case events.ConversationLoaded:
		msgs := MessagesFromLoaded(e.Messages, c.now())
		announce = c.applyLoadLocked(ctx, e.Filename, msgs)
		level, note = LevelSuccess, fmt.Sprintf("Loaded conversation with %d exchanges", e.Count)

	case events.Error:
		c.store.Dispatch(chatstate.SetAwaitingReply{Value: false})
		level, note = LevelError, strings.TrimSpace(e.Message)
		if note == "" {
			note = unknownErrorNote
		}

	default:
		c.logger.Debug().Str("event", string(ev.EventName())).Msg("ignoring event")
	}
	c.mu.Unlock()

	c.emit(announce)
	if note != "" {
		c.notifier.Notify(level, note)
	}
}

func (c *Controller) textMessage(kind chatstate.Kind, m events.TextMessage) chatstate.Message {
	at, _ := events.ParseTimestamp(m.Timestamp, c.now())
	return chatstate.Message{Kind: kind, Text: m.Message, SentAt: at}
}

// SendMessage appends the user's message optimistically and asks the server
// for a reply. A failed emit is returned but the message stays in state.
func (c *Controller) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.Wrap(ErrCannotSend, "empty message")
	}

	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return errors.Wrap(ErrCannotSend, "controller closed")
	}
	st := c.store.State()
	if !st.TransportUp {
		c.mu.Unlock()
		return errors.Wrap(ErrCannotSend, "not connected")
	}
	if st.AwaitingReply {
		c.mu.Unlock()
		return errors.Wrap(ErrCannotSend, "waiting for a reply")
	}
	c.store.Dispatch(
		chatstate.Append{Message: chatstate.Message{Kind: chatstate.KindUser, Text: text, SentAt: c.now()}},
		chatstate.SetAwaitingReply{Value: true},
	)
	c.mu.Unlock()

	if err := c.transport.Emit(events.SendMessage{Message: text}); err != nil {
		c.logger.Warn().Err(err).Msg("send dropped")
		return errors.Wrap(err, "send message")
	}
	return nil
}

// StartNewConversation asks for confirmation and, if given, requests a new
// conversation. State changes once the server confirms with
// conversation_cleared.
func (c *Controller) StartNewConversation() (bool, error) {
	if !c.confirmer.Confirm(newConversationPrompt) {
		return false, nil
	}
	if err := c.transport.Emit(events.NewConversation{}); err != nil {
		return true, errors.Wrap(err, "new conversation")
	}
	return true, nil
}

// LoadConversation asks the server to load filename. State changes once the
// server pushes conversation_loaded.
func (c *Controller) LoadConversation(filename string) error {
	if err := c.transport.Emit(events.LoadConversation{Filename: strings.TrimSpace(filename)}); err != nil {
		return errors.Wrap(err, "load conversation")
	}
	return nil
}

// MessagesFromExchanges interleaves each exchange's user and bot turns. Turns
// with blank text are dropped.
func MessagesFromExchanges(exchanges []gateway.Exchange, fallback time.Time) []chatstate.Message {
	out := make([]chatstate.Message, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		at, _ := events.ParseTimestamp(ex.Timestamp, fallback)
		out = appendText(out, chatstate.KindUser, ex.User, at)
		out = appendText(out, chatstate.KindBot, ex.Bot, at)
	}
	return out
}

// MessagesFromLoaded converts a conversation_loaded transcript, dropping
// blank entries and entries of unknown type.
func MessagesFromLoaded(loaded []events.LoadedMessage, fallback time.Time) []chatstate.Message {
	out := make([]chatstate.Message, 0, len(loaded))
	for _, m := range loaded {
		kind, ok := chatstate.ParseKind(m.Type)
		if !ok {
			continue
		}
		at, _ := events.ParseTimestamp(m.Timestamp, fallback)
		out = appendText(out, kind, m.Message, at)
	}
	return out
}

func appendText(out []chatstate.Message, kind chatstate.Kind, text string, at time.Time) []chatstate.Message {
	if strings.TrimSpace(text) == "" {
		return out
	}
	return append(out, chatstate.Message{Kind: kind, Text: text, SentAt: at})
}
