package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutorchat/pkg/events"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	errStale        = errors.New("connection superseded")
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// StatusChange is published on every connection state transition.
type StatusChange struct {
	State State
	// Attempt is the reconnection attempt number, 0 for a Connect call.
	Attempt int
	// RetryIn is set on a disconnected status when a retry is scheduled.
	RetryIn time.Duration
	// Terminal is set once retries are exhausted.
	Terminal        bool
	ClientInitiated bool
	Err             error
}

type Handler func(events.Inbound)

type StatusHandler func(StatusChange)

type subscriber struct {
	id     uint64
	name   events.Name // empty matches every event
	any    bool
	fn     Handler
	status StatusHandler
}

// Subscription is returned by On, OnAny and OnStatus. Closing it removes
// exactly that handler.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel so that it runs at most once on Close.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

func (s *Subscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Adapter owns one logical websocket channel to the server and reconnects it
// with exponential backoff when the server or the network drops it.
type Adapter struct {
	url              string
	header           http.Header
	dialer           *websocket.Dialer
	policy           Policy
	handshakeTimeout time.Duration
	logger           zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	gen       uint64
	retrying  bool
	stopRetry chan struct{}
	wake      chan struct{}
	sessionID string

	writeMu sync.Mutex

	subMu   sync.RWMutex
	subs    []*subscriber
	nextSub uint64
}

type Option func(*Adapter)

func WithPolicy(p Policy) Option {
	return func(a *Adapter) { a.policy = p.withDefaults() }
}

func WithHeader(h http.Header) Option {
	return func(a *Adapter) { a.header = h.Clone() }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(a *Adapter) {
		if d != nil {
			a.dialer = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.handshakeTimeout = d
		}
	}
}

func New(wsURL string, opts ...Option) *Adapter {
	a := &Adapter{
		url:              wsURL,
		dialer:           websocket.DefaultDialer,
		policy:           DefaultPolicy(),
		handshakeTimeout: 10 * time.Second,
		state:            StateDisconnected,
		wake:             make(chan struct{}, 1),
		logger:           log.With().Str("component", "transport").Str("url", wsURL).Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WebSocketURL derives the websocket endpoint from an http(s) base URL.
func WebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u.String(), nil
}

// Connect is idempotent: it returns immediately when connected or while a
// dial is in flight, wakes a waiting retry loop, and otherwise dials. A failed
// dial enters the retry policy and its error is returned.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.state == StateConnected:
		a.mu.Unlock()
		a.logger.Debug().Msg("reusing existing connection")
		return nil
	case a.retrying:
		select {
		case a.wake <- struct{}{}:
		default:
		}
		a.mu.Unlock()
		a.logger.Debug().Msg("resuming dormant connection")
		return nil
	case a.state == StateConnecting:
		a.mu.Unlock()
		return nil
	}
	a.gen++
	gen := a.gen
	a.state = StateConnecting
	a.stopRetry = make(chan struct{})
	a.mu.Unlock()

	a.publishStatus(StatusChange{State: StateConnecting})
	a.logger.Info().Msg("creating new websocket connection")

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()
	if err := a.dial(dialCtx, gen); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		a.logger.Warn().Err(err).Msg("websocket connection error")
		a.startRetry(gen, err)
		return errors.Wrap(err, "connect")
	}
	return nil
}

// Disconnect tears the connection down without retrying. A later Connect
// starts from scratch.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	wasActive := a.state != StateDisconnected || a.retrying
	a.conn = nil
	a.gen++
	a.state = StateDisconnected
	a.retrying = false
	a.sessionID = ""
	if a.stopRetry != nil {
		close(a.stopRetry)
		a.stopRetry = nil
	}
	a.mu.Unlock()

	var err error
	if conn != nil {
		a.logger.Info().Msg("disconnecting from websocket server")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	if wasActive {
		a.publishStatus(StatusChange{State: StateDisconnected, ClientInitiated: true})
	}
	return err
}

// Emit publishes ev. When not connected the event is dropped, a warning is
// logged and ErrNotConnected is returned.
func (a *Adapter) Emit(ev events.Outbound) error {
	frame, err := events.Encode(ev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	connected := a.state == StateConnected
	a.mu.Unlock()
	if conn == nil || !connected {
		a.logger.Warn().Str("event", string(ev.EventName())).Msg("cannot emit: socket not connected")
		return ErrNotConnected
	}

	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	a.writeMu.Unlock()
	if err != nil {
		a.logger.Warn().Err(err).Str("event", string(ev.EventName())).Msg("emit failed")
		return errors.Wrapf(err, "emit %s", ev.EventName())
	}
	a.logger.Debug().Str("event", string(ev.EventName())).Msg("emitted")
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateConnected
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID is the id announced by the last connection_status event.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// On subscribes fn to every inbound event called name.
func (a *Adapter) On(name events.Name, fn Handler) *Subscription {
	return a.addSubscriber(&subscriber{name: name, fn: fn})
}

// OnAny subscribes fn to every inbound event.
func (a *Adapter) OnAny(fn Handler) *Subscription {
	return a.addSubscriber(&subscriber{any: true, fn: fn})
}

// OnStatus subscribes fn to connection state transitions.
func (a *Adapter) OnStatus(fn StatusHandler) *Subscription {
	return a.addSubscriber(&subscriber{status: fn})
}

func (a *Adapter) Off(s *Subscription) {
	s.Close()
}

// Handle subscribes a typed handler; the event name is taken from T.
func Handle[T events.Inbound](a *Adapter, fn func(T)) *Subscription {
	var zero T
	return a.On(zero.EventName(), func(ev events.Inbound) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
}

func (a *Adapter) addSubscriber(s *subscriber) *Subscription {
	a.subMu.Lock()
	a.nextSub++
	s.id = a.nextSub
	a.subs = append(a.subs, s)
	id := s.id
	a.subMu.Unlock()
	return NewSubscription(func() { a.removeSubscriber(id) })
}

func (a *Adapter) removeSubscriber(id uint64) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for i, s := range a.subs {
		if s.id == id {
			a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
			return
		}
	}
}

func (a *Adapter) snapshotSubscribers() []*subscriber {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	return append([]*subscriber(nil), a.subs...)
}

func (a *Adapter) dispatch(ev events.Inbound) {
	for _, s := range a.snapshotSubscribers() {
		if s.fn == nil {
			continue
		}
		if s.any || s.name == ev.EventName() {
			s.fn(ev)
		}
	}
}

func (a *Adapter) publishStatus(sc StatusChange) {
	for _, s := range a.snapshotSubscribers() {
		if s.status != nil {
			s.status(sc)
		}
	}
}

func (a *Adapter) dial(ctx context.Context, gen uint64) error {
	conn, _, err := a.dialer.DialContext(ctx, a.url, a.header)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		_ = conn.Close()
		return errStale
	}
	a.conn = conn
	a.state = StateConnected
	a.retrying = false
	select {
	case <-a.wake:
	default:
	}
	a.mu.Unlock()

	a.logger.Info().Msg("connected to websocket server")
	a.publishStatus(StatusChange{State: StateConnected})
	go a.readLoop(conn, gen)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleDrop(conn, gen, err)
			return
		}
		ev, err := events.Decode(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("dropping invalid frame")
			continue
		}
		a.logger.Debug().Str("event", string(ev.EventName())).Msg("received")
		if cs, ok := ev.(events.ConnectionStatus); ok {
			a.mu.Lock()
			if a.gen == gen {
				a.sessionID = cs.SessionID
			}
			a.mu.Unlock()
		}
		a.dispatch(ev)
	}
}

func (a *Adapter) handleDrop(conn *websocket.Conn, gen uint64, cause error) {
	_ = conn.Close()
	a.mu.Lock()
	if a.gen != gen {
		// client-initiated disconnect, already handled
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = StateDisconnected
	a.sessionID = ""
	a.mu.Unlock()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.logger.Info().Err(cause).Msg("server closed the connection")
	} else {
		a.logger.Warn().Err(cause).Msg("connection dropped")
	}
	a.startRetry(gen, cause)
}

func (a *Adapter) startRetry(gen uint64, cause error) {
	a.mu.Lock()
	if a.gen != gen || a.retrying {
		a.mu.Unlock()
		return
	}
	a.retrying = true
	a.state = StateDisconnected
	stop := a.stopRetry
	a.mu.Unlock()

	go a.retryLoop(gen, stop, cause)
}

func (a *Adapter) retryLoop(gen uint64, stop <-chan struct{}, cause error) {
	b := a.policy.NewBackOff()
	attempt := 0
	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			a.mu.Lock()
			current := a.gen == gen
			if current {
				a.retrying = false
				a.state = StateDisconnected
			}
			a.mu.Unlock()
			if current {
				a.logger.Error().Int("attempts", attempt).Msg("max reconnection attempts reached")
				a.publishStatus(StatusChange{State: StateDisconnected, Attempt: attempt, Terminal: true, Err: cause})
			}
			return
		}
		attempt++
		a.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
		a.publishStatus(StatusChange{State: StateDisconnected, Attempt: attempt, RetryIn: delay, Err: cause})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-a.wake:
			timer.Stop()
		case <-stop:
			timer.Stop()
			return
		}

		a.mu.Lock()
		if a.gen != gen {
			a.mu.Unlock()
			return
		}
		a.state = StateConnecting
		a.mu.Unlock()
		a.publishStatus(StatusChange{State: StateConnecting, Attempt: attempt})

		ctx, cancel := context.WithTimeout(context.Background(), a.handshakeTimeout)
		err := a.dial(ctx, gen)
		cancel()
		if err == nil || errors.Is(err, errStale) {
			return
		}
		cause = err
		a.mu.Lock()
		if a.gen == gen {
			a.state = StateDisconnected
		}
		a.mu.Unlock()
	}
}
