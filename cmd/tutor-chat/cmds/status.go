package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
)

type StatusCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewStatusCommand(a *app) (*StatusCommand, error) {
	desc, err := newGlazeDescription(
		"status",
		cmds.WithShort("Show server health and model connectivity"),
	)
	if err != nil {
		return nil, err
	}
	return &StatusCommand{CommandDescription: desc, app: a}, nil
}

// RunIntoGlazeProcessor emits a single row. A failing model status request is
// reported in model_error rather than failing the command.
func (c *StatusCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	gw, err := c.app.gateway()
	if err != nil {
		return err
	}
	h, err := gw.Health(ctx)
	if err != nil {
		return err
	}
	var connected bool
	var host, model, modelErr string
	ms, err := gw.ModelStatus(ctx)
	if err != nil {
		modelErr = err.Error()
	} else {
		connected, host, model, modelErr = ms.Connected, ms.Host, ms.Model, ms.Error
	}

	return gp.AddRow(ctx, types.NewRow(
		types.MRP("server", c.app.settings.ServerURL),
		types.MRP("status", h.Status),
		types.MRP("active_sessions", h.Sessions),
		types.MRP("model_connected", connected),
		types.MRP("model_host", host),
		types.MRP("model", model),
		types.MRP("model_error", modelErr),
	))
}

var _ cmds.GlazeCommand = &StatusCommand{}

func newStatusCommand(a *app) (*cobra.Command, error) {
	c, err := NewStatusCommand(a)
	if err != nil {
		return nil, err
	}
	return cli.BuildCobraCommand(c)
}
