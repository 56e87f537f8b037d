package devserver

import (
	"context"
	"fmt"

	"github.com/go-go-golems/tutorchat/pkg/gateway"
)

// Responder produces the tutor's reply to a user message.
type Responder interface {
	Respond(ctx context.Context, history []gateway.Exchange, message string) (string, error)
	Model() string
}

// EchoResponder answers every message by repeating it.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, _ []gateway.Exchange, message string) (string, error) {
	return fmt.Sprintf("Dijiste: %s", message), nil
}

func (EchoResponder) Model() string { return "echo" }

type ResponderFunc func(ctx context.Context, history []gateway.Exchange, message string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, history []gateway.Exchange, message string) (string, error) {
	return f(ctx, history, message)
}

func (ResponderFunc) Model() string { return "custom" }
