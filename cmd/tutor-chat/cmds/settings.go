package cmds

import (
	"context"

	"github.com/charmbracelet/huh"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/tutorchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/tutorchat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSettingsCommand(a *app) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the tutor settings kept on this machine",
	}

	showCmd, err := NewSettingsShowCommand(a)
	if err != nil {
		return nil, err
	}
	setCmd, err := NewSettingsSetCommand(a)
	if err != nil {
		return nil, err
	}
	editCmd, err := NewSettingsEditCommand(a)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.GlazeCommand{showCmd, setCmd, editCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		if err != nil {
			return nil, err
		}
		cmd.AddCommand(cobraCmd)
	}
	return cmd, nil
}

// withLocal runs fn against the durable store and closes it afterwards.
func (a *app) withLocal(fn func(local *kvstore.Local) error) error {
	local, err := a.settings.OpenLocal()
	if err != nil {
		return err
	}
	defer func() {
		if err := local.Close(); err != nil {
			log.Warn().Err(err).Msg("closing local store")
		}
	}()
	return fn(local)
}

func addSettingsRow(ctx context.Context, gp middlewares.Processor, s settings.Settings) error {
	return gp.AddRow(ctx, types.NewRow(
		types.MRP("host", s.Host),
		types.MRP("model", s.Model),
		types.MRP("theme", s.Theme),
	))
}

type SettingsShowCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewSettingsShowCommand(a *app) (*SettingsShowCommand, error) {
	desc, err := newGlazeDescription(
		"show",
		cmds.WithShort("Print the current settings"),
	)
	if err != nil {
		return nil, err
	}
	return &SettingsShowCommand{CommandDescription: desc, app: a}, nil
}

func (c *SettingsShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	return c.app.withLocal(func(local *kvstore.Local) error {
		return addSettingsRow(ctx, gp, settings.Load(ctx, local))
	})
}

var _ cmds.GlazeCommand = &SettingsShowCommand{}

type SettingsSetCommand struct {
	*cmds.CommandDescription
	app *app
}

type SettingsSetSettings struct {
	Assignments []string `glazed:"assignments"`
}

func NewSettingsSetCommand(a *app) (*SettingsSetCommand, error) {
	desc, err := newGlazeDescription(
		"set",
		cmds.WithShort("Change settings (host, model, theme)"),
		cmds.WithLong("Change settings with key=value assignments, for example: settings set theme=dark model=mistral"),
		cmds.WithArguments(
			fields.New(
				"assignments",
				fields.TypeStringList,
				fields.WithHelp("key=value pairs for host, model or theme"),
				fields.WithRequired(true),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &SettingsSetCommand{CommandDescription: desc, app: a}, nil
}

func (c *SettingsSetCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &SettingsSetSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	p, err := settings.ParsePatch(s.Assignments)
	if err != nil {
		return err
	}
	return c.app.withLocal(func(local *kvstore.Local) error {
		updated, err := settings.Update(ctx, local, p)
		if err != nil {
			return err
		}
		return addSettingsRow(ctx, gp, updated)
	})
}

var _ cmds.GlazeCommand = &SettingsSetCommand{}

type SettingsEditCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewSettingsEditCommand(a *app) (*SettingsEditCommand, error) {
	desc, err := newGlazeDescription(
		"edit",
		cmds.WithShort("Edit the settings in an interactive form"),
	)
	if err != nil {
		return nil, err
	}
	return &SettingsEditCommand{CommandDescription: desc, app: a}, nil
}

// RunIntoGlazeProcessor emits the saved settings, or nothing when the form is
// aborted.
func (c *SettingsEditCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	return c.app.withLocal(func(local *kvstore.Local) error {
		s := settings.Load(ctx, local)
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Ollama host").
					Value(&s.Host).
					Validate(huh.ValidateNotEmpty()),
				huh.NewInput().
					Title("Model").
					Value(&s.Model).
					Validate(huh.ValidateNotEmpty()),
				huh.NewSelect[string]().
					Title("Theme").
					Options(huh.NewOptions(settings.ThemeLight, settings.ThemeDark)...).
					Value(&s.Theme),
			),
		).WithTheme(huh.ThemeCharm())
		if err := form.RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return errors.Wrap(err, "settings form")
		}
		if err := settings.Save(ctx, local, s); err != nil {
			return err
		}
		return addSettingsRow(ctx, gp, s)
	})
}

var _ cmds.GlazeCommand = &SettingsEditCommand{}
