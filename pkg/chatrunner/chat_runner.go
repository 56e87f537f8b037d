package chatrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/go-go-golems/tutorchat/pkg/chatstate"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/go-go-golems/tutorchat/pkg/mirror"
	"github.com/go-go-golems/tutorchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/tutorchat/pkg/reconcile"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
)

const helpText = `Commands:
  /new           start a new conversation (the current one is archived)
  /load <file>   load a stored conversation
  /list          list stored conversations
  /copy          copy the last tutor reply to the clipboard
  /status        show connection and conversation status
  /help          show this help
  /quit          leave the chat`

// ChatSession runs a line-oriented chat against one tutor server. It is
// created by the ChatBuilder.
type ChatSession struct {
	ctx       context.Context
	adapter   *transport.Adapter
	gateway   gateway.Gateway
	ctrl      *reconcile.Controller
	store     *chatstate.Store
	mirror    *mirror.Mirror
	in        *lineReader
	out       io.Writer
	styles    Styles
	clipboard func(string) error
	logger    zerolog.Logger

	outMu sync.Mutex
}

func (cs *ChatSession) Controller() *reconcile.Controller { return cs.ctrl }

// Run restores the previous conversation, connects, and reads commands until
// /quit, end of input or cancellation of the session context.
func (cs *ChatSession) Run() error {
	cs.ctrl.Attach()
	defer cs.ctrl.Close()
	if cs.mirror != nil {
		cs.mirror.Attach(cs.adapter)
		defer func() {
			if err := cs.mirror.Close(); err != nil {
				cs.logger.Warn().Err(err).Msg("closing mirror")
			}
		}()
	}

	// Restore before connecting: the server greets every new connection with
	// a system message, which would otherwise count as an existing
	// conversation.
	cs.ctrl.Mount(cs.ctx)
	p := newPrinter(cs)
	p.render(cs.store.State())
	unsubscribe := cs.store.Subscribe(p.render)
	defer unsubscribe()

	eg, ctx := errgroup.WithContext(cs.ctx)
	ctx, cancel := context.WithCancel(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		cs.logger.Debug().Msg("disconnecting transport")
		if err := cs.adapter.Disconnect(); err != nil {
			cs.logger.Debug().Err(err).Msg("disconnect")
		}
		return nil
	})

	eg.Go(func() error {
		defer cancel()
		if err := cs.adapter.Connect(ctx); err != nil {
			// the adapter keeps retrying in the background
			cs.notify(reconcile.LevelWarning, fmt.Sprintf("Not connected yet: %v", err))
		}
		return cs.readLoop(ctx)
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) && cs.ctx.Err() == context.Canceled {
		return nil
	}
	return err
}

type readResult struct {
	line string
	err  error
}

// readLoop asks for one line at a time so that nothing reads ahead while a
// command, such as the /new confirmation prompt, uses the input itself.
func (cs *ChatSession) readLoop(ctx context.Context) error {
	want := make(chan struct{})
	results := make(chan readResult, 1)
	defer close(want)
	go func() {
		for range want {
			line, err := cs.in.ReadLine()
			results <- readResult{line: line, err: err}
		}
	}()

	for {
		select {
		case want <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		var r readResult
		select {
		case r = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			return errors.Wrap(r.err, "read input")
		}
		quit, err := cs.Handle(ctx, r.line)
		if err != nil {
			cs.notify(reconcile.LevelError, err.Error())
		}
		if quit {
			return nil
		}
	}
}

// Handle executes one input line. quit is true for /quit.
func (cs *ChatSession) Handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := cs.ctrl.SendMessage(line); err != nil {
			if errors.Is(err, reconcile.ErrCannotSend) {
				return false, errors.New("cannot send right now (not connected, or waiting for a reply)")
			}
			return false, err
		}
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		cs.println(helpText)
	case "/new":
		_, err := cs.ctrl.StartNewConversation()
		return false, err
	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <file>")
		}
		return false, cs.ctrl.LoadConversation(arg)
	case "/list":
		return false, cs.list(ctx)
	case "/copy":
		return false, cs.copyLastReply()
	case "/status":
		cs.status()
	default:
		cs.println(fmt.Sprintf("unknown command %s\n%s", cmd, helpText))
	}
	return false, nil
}

func (cs *ChatSession) list(ctx context.Context) error {
	convs, err := cs.gateway.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	if len(convs) == 0 {
		cs.println(cs.styles.Dim.Render("no stored conversations"))
		return nil
	}
	active := cs.store.State().ActiveConversationID
	var b strings.Builder
	for _, c := range convs {
		mark := " "
		if c.File == active {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %-40s %-20s %3d exchanges\n", mark, c.File, c.SessionStart, c.Exchanges)
	}
	cs.println(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (cs *ChatSession) copyLastReply() error {
	msgs := cs.store.State().Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == chatstate.KindBot {
			if err := cs.clipboard(msgs[i].Text); err != nil {
				return errors.Wrap(err, "copy to clipboard")
			}
			cs.notify(reconcile.LevelSuccess, "Copied last reply to clipboard")
			return nil
		}
	}
	return errors.New("no tutor reply to copy")
}

func (cs *ChatSession) status() {
	st := cs.store.State()
	active := st.ActiveConversationID
	if active == "" {
		active = "(none)"
	}
	session := cs.adapter.SessionID()
	if session == "" {
		session = "(none)"
	}
	cs.println(fmt.Sprintf("transport:    %s\nsession:      %s\nconversation: %s\nmessages:     %d\nawaiting:     %t",
		cs.adapter.State(), session, active, len(st.Messages), st.AwaitingReply))
}

func (cs *ChatSession) notify(level reconcile.Level, msg string) {
	cs.println(cs.styles.Notice(level).Render(fmt.Sprintf("[%s] %s", level, msg)))
}

func (cs *ChatSession) println(s string) {
	cs.outMu.Lock()
	defer cs.outMu.Unlock()
	_, _ = fmt.Fprintln(cs.out, s)
}

// --- ChatBuilder ---

// ChatBuilder provides a fluent API for configuring a chat session.
type ChatBuilder struct {
	err       error
	ctx       context.Context
	adapter   *transport.Adapter
	gateway   gateway.Gateway
	local     *kvstore.Local
	mirror    *mirror.Mirror
	confirmer reconcile.Confirmer
	in        io.Reader
	out       io.Writer
	color     *bool
	clipboard func(string) error
}

func NewChatBuilder() *ChatBuilder {
	return &ChatBuilder{
		ctx:       context.Background(),
		in:        os.Stdin,
		out:       os.Stdout,
		clipboard: clipboard.WriteAll,
	}
}

func (b *ChatBuilder) WithContext(ctx context.Context) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if ctx == nil {
		b.err = errors.New("context cannot be nil")
		return b
	}
	b.ctx = ctx
	return b
}

// WithTransport sets the websocket transport. (Required)
func (b *ChatBuilder) WithTransport(a *transport.Adapter) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if a == nil {
		b.err = errors.New("transport cannot be nil")
		return b
	}
	b.adapter = a
	return b
}

// WithGateway sets the REST gateway. (Required)
func (b *ChatBuilder) WithGateway(gw gateway.Gateway) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if gw == nil {
		b.err = errors.New("gateway cannot be nil")
		return b
	}
	b.gateway = gw
	return b
}

// WithLocal sets the client-side persistence. Defaults to in-memory stores.
func (b *ChatBuilder) WithLocal(l *kvstore.Local) *ChatBuilder {
	b.local = l
	return b
}

// WithMirror republishes every inbound event through m while the session
// runs. The session closes m on exit.
func (b *ChatBuilder) WithMirror(m *mirror.Mirror) *ChatBuilder {
	b.mirror = m
	return b
}

// WithConfirmer replaces the interactive y/n prompt used by /new.
func (b *ChatBuilder) WithConfirmer(c reconcile.Confirmer) *ChatBuilder {
	b.confirmer = c
	return b
}

func (b *ChatBuilder) WithInput(r io.Reader) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if r == nil {
		b.err = errors.New("input cannot be nil")
		return b
	}
	b.in = r
	return b
}

// WithOutputWriter sets where messages are printed. Defaults to os.Stdout.
func (b *ChatBuilder) WithOutputWriter(w io.Writer) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if w == nil {
		b.err = errors.New("output writer cannot be nil")
		return b
	}
	b.out = w
	return b
}

// WithColor forces styled output on or off. By default output is styled when
// it goes to a terminal.
func (b *ChatBuilder) WithColor(on bool) *ChatBuilder {
	b.color = &on
	return b
}

func (b *ChatBuilder) WithClipboard(fn func(string) error) *ChatBuilder {
	if fn != nil {
		b.clipboard = fn
	}
	return b
}

func (b *ChatBuilder) Build() (*ChatSession, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.adapter == nil {
		return nil, errors.New("transport is required (use WithTransport)")
	}
	if b.gateway == nil {
		return nil, errors.New("gateway is required (use WithGateway)")
	}

	color := isTerminal(b.out)
	if b.color != nil {
		color = *b.color
	}
	local := b.local
	if local == nil {
		local = kvstore.NewLocal(nil, nil)
	}

	cs := &ChatSession{
		ctx:       b.ctx,
		adapter:   b.adapter,
		gateway:   b.gateway,
		store:     chatstate.NewStore(),
		mirror:    b.mirror,
		in:        newLineReader(b.in),
		out:       b.out,
		styles:    NewStyles(color),
		clipboard: b.clipboard,
		logger:    log.With().Str("component", "chatrunner").Logger(),
	}
	confirmer := b.confirmer
	if confirmer == nil {
		confirmer = reconcile.ConfirmerFunc(func(prompt string) bool {
			ok, err := askForConfirmation(cs.in, cs.out, prompt)
			if err != nil {
				cs.logger.Warn().Err(err).Msg("confirmation prompt failed")
			}
			return ok
		})
	}
	cs.ctrl = reconcile.New(b.adapter, b.gateway, local, cs.store,
		reconcile.WithNotifier(reconcile.NotifierFunc(cs.notify)),
		reconcile.WithConfirmer(confirmer),
	)
	return cs, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// askForConfirmation asks a y/n question on the session's input and output.
func askForConfirmation(r io.Reader, w io.Writer, query string) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}
	answer, err := ui.Ask(query+" [y/N]", &input.Options{
		Default:     "n",
		Loop:        true,
		HideDefault: true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	return answer == "y" || answer == "Y", nil
}

// lineReader hands out at most one line per Read so that a prompt reading
// from the same input never swallows lines meant for the command loop.
type lineReader struct {
	mu      sync.Mutex
	br      *bufio.Reader
	pending []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReader(r)}
}

func (l *lineReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		line, err := l.br.ReadBytes('\n')
		if len(line) == 0 {
			return 0, err
		}
		l.pending = line
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

// ReadLine returns the next line without its line ending.
func (l *lineReader) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var line []byte
	if len(l.pending) > 0 {
		line = l.pending
		l.pending = nil
		if line[len(line)-1] != '\n' {
			rest, err := l.br.ReadBytes('\n')
			line = append(line, rest...)
			if err != nil && len(line) == 0 {
				return "", err
			}
		}
	} else {
		var err error
		line, err = l.br.ReadBytes('\n')
		if len(line) == 0 {
			return "", err
		}
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}
