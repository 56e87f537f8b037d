package cmds

import (
	"github.com/go-go-golems/tutorchat/pkg/devserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevServerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run a local tutor server that echoes messages",
		Long: "Run a local server speaking the tutor's websocket protocol and REST API. " +
			"Replies echo the message; conversations are kept in memory and can be seeded from a YAML fixture file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			fixtures, _ := cmd.Flags().GetString("fixtures")
			notes, _ := cmd.Flags().GetString("grammar-notes")

			store := devserver.NewConversationStore()
			if fixtures != "" {
				n, err := store.Seed(fixtures)
				if err != nil {
					return err
				}
				log.Info().Int("conversations", n).Str("file", fixtures).Msg("seeded conversations")
			}
			srv := devserver.New(devserver.WithStore(store), devserver.WithGrammarNotes(notes))
			return srv.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().String("addr", "localhost:8080", "Listen address")
	cmd.Flags().String("fixtures", "", "YAML file with conversations to preload")
	cmd.Flags().String("grammar-notes", "", "Markdown file served as grammar notes")
	return cmd
}
