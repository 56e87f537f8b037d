package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/tutorchat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newGrammarNotesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grammar-notes",
		Short: "Read or export the grammar notes collected by the tutor",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Render the grammar notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := a.gateway()
			if err != nil {
				return err
			}
			notes, err := gw.GrammarNotes(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !notes.Exists {
				fmt.Fprintln(w, notes.Message)
				return nil
			}
			raw, _ := cmd.Flags().GetBool("raw")
			if raw || !stdoutIsTerminal() {
				_, err := io.WriteString(w, notes.Content)
				return err
			}
			style := glamourStyle(cmd.Context(), a)
			styled, err := glamour.Render(notes.Content, style)
			if err != nil {
				return errors.Wrap(err, "render grammar notes")
			}
			_, err = io.WriteString(w, styled)
			return err
		},
	}
	show.Flags().Bool("raw", false, "Print the markdown without rendering it")

	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Download the grammar notes as markdown (- for stdout)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := a.gateway()
			if err != nil {
				return err
			}
			path := "spanish_grammar_notes_" + time.Now().Format("20060102") + ".md"
			if len(args) == 1 {
				path = args[0]
			}
			if path == "-" {
				_, err := gw.ExportGrammarNotes(cmd.Context(), cmd.OutOrStdout())
				return err
			}

			f, err := os.Create(path)
			if err != nil {
				return errors.Wrap(err, "create export file")
			}
			n, err := gw.ExportGrammarNotes(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(path)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, path)
			return nil
		},
	}

	cmd.AddCommand(show, export)
	return cmd
}

// glamourStyle follows the theme in the saved settings.
func glamourStyle(ctx context.Context, a *app) string {
	local, err := a.settings.OpenLocal()
	if err != nil {
		return "dark"
	}
	defer local.Close()
	if settings.Load(ctx, local).Theme == settings.ThemeLight {
		return "light"
	}
	return "dark"
}
