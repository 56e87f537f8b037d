package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/google/uuid"
)

// session is the server-side state of one websocket client. Its fields are
// only touched by the connection's read goroutine, except active.
type session struct {
	id        string
	start     time.Time
	exchanges []gateway.Exchange
	active    string
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	sess := &session{id: uuid.NewString(), start: s.now()}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.pool.Add(sess.id, conn)
	logger := s.logger.With().Str("session_id", sess.id).Logger()
	logger.Info().Msg("client connected")

	defer func() {
		s.pool.Remove(sess.id)
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		logger.Info().Msg("client disconnected")
	}()

	s.send(sess, events.ConnectionStatus{Connected: true, SessionID: sess.id, Message: connectedMessage})
	s.send(sess, events.SystemMessage{TextMessage: events.TextMessage{Message: welcomeMessage, Timestamp: s.timestamp()}})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.handleFrame(r, sess, env)
	}
}

func (s *Server) handleFrame(r *http.Request, sess *session, env events.Envelope) {
	switch env.Event {
	case events.NameSendMessage:
		var in events.SendMessage
		_ = json.Unmarshal(env.Data, &in)
		s.onSendMessage(r, sess, strings.TrimSpace(in.Message))
	case events.NameNewConversation:
		s.onNewConversation(sess)
	case events.NameLoadConversation:
		var in events.LoadConversation
		_ = json.Unmarshal(env.Data, &in)
		s.onLoadConversation(sess, strings.TrimSpace(in.Filename))
	case events.NameSetActiveConversation:
		var in events.SetActiveConversation
		_ = json.Unmarshal(env.Data, &in)
		active := ""
		if in.Filename != nil {
			active = *in.Filename
		}
		s.mu.Lock()
		sess.active = active
		s.mu.Unlock()
		s.logger.Debug().Str("session_id", sess.id).Str("conversation", active).Msg("active conversation set")
	default:
		s.logger.Warn().Str("session_id", sess.id).Str("event", string(env.Event)).Msg("unknown event")
	}
}

func (s *Server) onSendMessage(r *http.Request, sess *session, text string) {
	if text == "" {
		s.send(sess, events.Error{Message: "Empty message received"})
		return
	}
	ts := s.timestamp()
	s.send(sess, events.UserMessage{TextMessage: events.TextMessage{Message: text, Timestamp: ts}})

	reply, err := s.responder.Respond(r.Context(), sess.exchanges, text)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.id).Msg("responder failed")
		s.send(sess, events.Error{Message: fmt.Sprintf("Error processing message: %s", err)})
		return
	}
	ts = s.timestamp()
	sess.exchanges = append(sess.exchanges, gateway.Exchange{User: text, Bot: reply, Timestamp: ts})
	s.send(sess, events.BotMessage{TextMessage: events.TextMessage{Message: reply, Timestamp: ts}})
}

// onNewConversation archives the session's exchanges and starts over.
func (s *Server) onNewConversation(sess *session) {
	if len(sess.exchanges) > 0 {
		c := Conversation{
			File:         s.archiveName(sess.start),
			SessionStart: events.FormatTimestamp(sess.start),
			Model:        s.responder.Model(),
			Exchanges:    sess.exchanges,
		}
		if err := s.store.Put(c); err != nil {
			s.send(sess, events.Error{Message: fmt.Sprintf("Error: %s", err)})
			return
		}
		s.logger.Info().Str("session_id", sess.id).Str("file", c.File).Int("exchanges", len(c.Exchanges)).Msg("conversation archived")
	}
	sess.exchanges = nil
	sess.start = s.now()
	s.send(sess, events.ConversationCleared{Message: "Started new conversation", Timestamp: s.timestamp()})
}

func (s *Server) archiveName(start time.Time) string {
	base := "conversation_" + start.Format("20060102_150405")
	name := base + ".json"
	for i := 2; ; i++ {
		if _, exists := s.store.Get(name); !exists {
			return name
		}
		name = fmt.Sprintf("%s_%d.json", base, i)
	}
}

func (s *Server) onLoadConversation(sess *session, filename string) {
	if filename == "" {
		s.send(sess, events.Error{Message: "No filename provided"})
		return
	}
	c, ok := s.store.Get(filename)
	if !ok {
		s.send(sess, events.Error{Message: "Failed to load conversation"})
		return
	}
	sess.exchanges = c.Exchanges
	msgs := make([]events.LoadedMessage, 0, len(c.Exchanges)*2)
	for _, ex := range c.Exchanges {
		ts := ex.Timestamp
		if ts == "" {
			ts = s.timestamp()
		}
		msgs = append(msgs,
			events.LoadedMessage{Type: "user", Message: ex.User, Timestamp: ts},
			events.LoadedMessage{Type: "bot", Message: ex.Bot, Timestamp: ts},
		)
	}
	s.send(sess, events.ConversationLoaded{Messages: msgs, Filename: filename, Count: len(c.Exchanges)})
}

// ActiveConversation reports the conversation the client of sessionID last
// declared active.
func (s *Server) ActiveConversation(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.active, true
}

func (s *Server) send(sess *session, ev events.Inbound) {
	frame, err := events.EncodeInbound(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(ev.EventName())).Msg("encode failed")
		return
	}
	if err := s.pool.SendTo(sess.id, frame); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sess.id).Str("event", string(ev.EventName())).Msg("send skipped")
	}
}
