package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 10 * time.Second

// HTTPGateway talks to the tutor server's REST API under /api.
type HTTPGateway struct {
	base   *url.URL
	client *http.Client
	logger zerolog.Logger
}

var _ Gateway = &HTTPGateway{}

type HTTPOption func(*HTTPGateway)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.client = c
		}
	}
}

func WithTimeout(d time.Duration) HTTPOption {
	return func(g *HTTPGateway) {
		if d > 0 {
			c := *g.client
			c.Timeout = d
			g.client = &c
		}
	}
}

func NewHTTPGateway(baseURL string, opts ...HTTPOption) (*HTTPGateway, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, errors.Wrap(err, "parse gateway url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("gateway url must be http(s), got %q", baseURL)
	}
	g := &HTTPGateway{
		base:   u,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: log.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *HTTPGateway) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out ConversationList
	if err := g.getJSON(ctx, "conversations/list", &out); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return out.Conversations, nil
}

func (g *HTTPGateway) GetConversation(ctx context.Context, filename string) (*Transcript, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, errors.New("get conversation: empty filename")
	}
	var out Transcript
	if err := g.getJSON(ctx, "conversations/"+url.PathEscape(filename), &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, errors.Wrapf(ErrNotFound, "%s", filename)
		}
		return nil, errors.Wrapf(err, "get conversation %s", filename)
	}
	return &out, nil
}

func (g *HTTPGateway) GetLatestConversation(ctx context.Context) (*LatestConversation, error) {
	var out LatestConversation
	if err := g.getJSON(ctx, "conversations/latest", &out); err != nil {
		return nil, errors.Wrap(err, "get latest conversation")
	}
	return &out, nil
}

func (g *HTTPGateway) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := g.getJSON(ctx, "health", &out); err != nil {
		return nil, errors.Wrap(err, "health check")
	}
	return &out, nil
}

func (g *HTTPGateway) ModelStatus(ctx context.Context) (*ModelStatus, error) {
	var out ModelStatus
	if err := g.getJSON(ctx, "ollama/status", &out); err != nil {
		return nil, errors.Wrap(err, "model status")
	}
	return &out, nil
}

func (g *HTTPGateway) GrammarNotes(ctx context.Context) (*GrammarNotes, error) {
	var out GrammarNotes
	if err := g.getJSON(ctx, "grammar-notes", &out); err != nil {
		return nil, errors.Wrap(err, "grammar notes")
	}
	return &out, nil
}

// ExportGrammarNotes streams the notes markdown file into w.
func (g *HTTPGateway) ExportGrammarNotes(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := g.do(ctx, "grammar-notes/export")
	if err != nil {
		return 0, errors.Wrap(err, "export grammar notes")
	}
	defer func() { _ = resp.Body.Close() }()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, errors.Wrap(err, "export grammar notes: copy")
	}
	return n, nil
}

// endpoint joins an already escaped API path onto the base URL.
func (g *HTTPGateway) endpoint(path string) string {
	u := *g.base
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/") + "/api/" + path
}

func (g *HTTPGateway) do(ctx context.Context, path string) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := g.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn().Err(err).Str("url", endpoint).Msg("api request failed")
		return nil, err
	}
	g.logger.Debug().Str("url", endpoint).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("api response")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, &StatusError{Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return resp, nil
}

func (g *HTTPGateway) getJSON(ctx context.Context, path string, out any) error {
	resp, err := g.do(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func errorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(b))
}
