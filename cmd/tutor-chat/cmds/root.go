package cmds

import (
	"os"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/tutorchat/pkg/config"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	settings config.Settings
}

func NewRootCommand() (*cobra.Command, error) {
	a := &app{settings: config.Defaults()}
	rootCmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "Terminal client for the Spanish tutor chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger because we can now parse --log-level and co
			// from the command line flag
			if err := clay.InitLogger(); err != nil {
				return err
			}
			v := viper.GetViper()
			if err := config.Bind(v, cmd); err != nil {
				return err
			}
			s, err := config.Load(v)
			if err != nil {
				return err
			}
			a.settings = s
			log.Debug().Str("server", s.ServerURL).Msg("configuration loaded")
			return nil
		},
	}
	config.AddFlags(rootCmd)

	if err := clay.InitViper(config.AppName, rootCmd); err != nil {
		return nil, errors.Wrap(err, "init viper")
	}
	if err := clay.InitLogger(); err != nil {
		return nil, errors.Wrap(err, "init logger")
	}

	conversationsCmd, err := newConversationsCommand(a)
	if err != nil {
		return nil, err
	}
	settingsCmd, err := newSettingsCommand(a)
	if err != nil {
		return nil, err
	}
	statusCmd, err := newStatusCommand(a)
	if err != nil {
		return nil, err
	}
	eventsCmd, err := newEventsCommand(a)
	if err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		newChatCommand(a),
		conversationsCmd,
		newGrammarNotesCommand(a),
		settingsCmd,
		statusCmd,
		newDevServerCommand(a),
		eventsCmd,
	)
	return rootCmd, nil
}

func (a *app) gateway() (*gateway.HTTPGateway, error) {
	return a.settings.Gateway()
}

// newGlazeDescription describes a row-emitting command with the glazed output
// and command settings sections attached.
func newGlazeDescription(name string, options ...cmds.CommandDescriptionOption) (*cmds.CommandDescription, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	options = append(options, cmds.WithSections(glazedSection, commandSettingsSection))
	return cmds.NewCommandDescription(name, options...), nil
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
