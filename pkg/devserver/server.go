package devserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	welcomeMessage   = "Welcome to Spanish Tutor! Ready to help you learn Spanish."
	connectedMessage = "Connected to Spanish Tutor"
)

// Server speaks the tutor's websocket protocol and REST API against an
// in-memory conversation store.
type Server struct {
	store        *ConversationStore
	responder    Responder
	grammarNotes string
	pool         *ConnectionPool
	upgrader     websocket.Upgrader
	now          func() time.Time
	logger       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Server)

func WithStore(s *ConversationStore) Option {
	return func(srv *Server) {
		if s != nil {
			srv.store = s
		}
	}
}

func WithResponder(r Responder) Option {
	return func(srv *Server) {
		if r != nil {
			srv.responder = r
		}
	}
}

// WithGrammarNotes serves the markdown file at path from the grammar notes
// endpoints.
func WithGrammarNotes(path string) Option {
	return func(srv *Server) { srv.grammarNotes = path }
}

func WithClock(now func() time.Time) Option {
	return func(srv *Server) {
		if now != nil {
			srv.now = now
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		store:     NewConversationStore(),
		responder: EchoResponder{},
		pool:      NewConnectionPool(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		now:       time.Now,
		logger:    log.With().Str("component", "devserver").Logger(),
		sessions:  map[string]*session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Store() *ConversationStore { return s.store }

func (s *Server) Pool() *ConnectionPool { return s.pool }

// Handler returns the router with /ws and the /api endpoints mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ollama/status", s.handleModelStatus)
		r.Get("/conversations/list", s.handleList)
		r.Get("/conversations/latest", s.handleLatest)
		r.Get("/conversations/{filename}", s.handleGet)
		r.Get("/grammar-notes", s.handleGrammarNotes)
		r.Get("/grammar-notes/export", s.handleExportGrammarNotes)
	})
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("dev server listening")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		s.pool.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) timestamp() string {
	return events.FormatTimestamp(s.now())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gateway.Health{
		Status:    "healthy",
		Timestamp: s.timestamp(),
		Sessions:  s.pool.Count(),
	})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gateway.ModelStatus{
		Connected: true,
		Host:      "dev-server",
		Model:     s.responder.Model(),
		Timestamp: s.timestamp(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.store.List()
	writeJSON(w, http.StatusOK, gateway.ConversationList{Conversations: list, Count: len(list)})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.store.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, gateway.LatestConversation{Exists: false, Message: "No conversations found"})
		return
	}
	writeJSON(w, http.StatusOK, gateway.LatestConversation{
		Exists:       true,
		Filename:     c.File,
		SessionStart: c.SessionStart,
		Exchanges:    len(c.Exchanges),
		Conversation: c.Exchanges,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	filename, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	c, ok := s.store.Get(filename)
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGrammarNotes(w http.ResponseWriter, r *http.Request) {
	if s.grammarNotes == "" {
		writeJSON(w, http.StatusOK, gateway.GrammarNotes{Exists: false, Message: "No grammar notes file found"})
		return
	}
	b, err := os.ReadFile(s.grammarNotes)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, gateway.GrammarNotes{Exists: false, Message: "No grammar notes file found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gateway.GrammarNotes{Content: string(b), Exists: true, FileSize: int64(len(b))})
}

func (s *Server) handleExportGrammarNotes(w http.ResponseWriter, r *http.Request) {
	if s.grammarNotes == "" {
		writeError(w, http.StatusNotFound, "No grammar notes to export")
		return
	}
	b, err := os.ReadFile(s.grammarNotes)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "No grammar notes to export")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	name := "spanish_grammar_notes_" + s.now().Format("20060102") + ".md"
	w.Header().Set("Content-Type", "text/markdown")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
