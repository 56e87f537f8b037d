package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tiktoken-go/tokenizer"
)

func newConversationsCommand(a *app) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Browse stored conversations",
	}

	listCmd, err := NewConversationsListCommand(a)
	if err != nil {
		return nil, err
	}
	showCmd, err := NewConversationShowCommand(a)
	if err != nil {
		return nil, err
	}
	latestCmd, err := NewConversationLatestCommand(a)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.GlazeCommand{listCmd, showCmd, latestCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		if err != nil {
			return nil, err
		}
		cmd.AddCommand(cobraCmd)
	}
	return cmd, nil
}

type ConversationsListCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewConversationsListCommand(a *app) (*ConversationsListCommand, error) {
	desc, err := newGlazeDescription(
		"list",
		cmds.WithShort("List stored conversations, newest first"),
	)
	if err != nil {
		return nil, err
	}
	return &ConversationsListCommand{CommandDescription: desc, app: a}, nil
}

func (c *ConversationsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	gw, err := c.app.gateway()
	if err != nil {
		return err
	}
	convs, err := gw.ListConversations(ctx)
	if err != nil {
		return err
	}
	return addConversationRows(ctx, gp, convs)
}

func addConversationRows(ctx context.Context, gp middlewares.Processor, convs []gateway.ConversationSummary) error {
	for _, conv := range convs {
		row := types.NewRow(
			types.MRP("file", conv.File),
			types.MRP("session_start", conv.SessionStart),
			types.MRP("exchanges", conv.Exchanges),
			types.MRP("file_size", conv.FileSize),
			types.MRP("model", conv.Model),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ConversationsListCommand{}

type ConversationShowCommand struct {
	*cmds.CommandDescription
	app *app
}

type ConversationShowSettings struct {
	File  string `glazed:"file"`
	Stats bool   `glazed:"stats"`
}

func NewConversationShowCommand(a *app) (*ConversationShowCommand, error) {
	desc, err := newGlazeDescription(
		"show",
		cmds.WithShort("Print one conversation, one row per exchange"),
		cmds.WithLong("Print the exchanges of a stored conversation. With --stats, print one row per role with its turn and cl100k_base token counts instead."),
		cmds.WithFlags(
			fields.New(
				"stats",
				fields.TypeBool,
				fields.WithHelp("Show turn and token counts per role"),
				fields.WithDefault(false),
			),
		),
		cmds.WithArguments(
			fields.New(
				"file",
				fields.TypeString,
				fields.WithHelp("Conversation file name"),
				fields.WithRequired(true),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &ConversationShowCommand{CommandDescription: desc, app: a}, nil
}

func (c *ConversationShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationShowSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	file := strings.TrimSpace(s.File)
	if file == "" {
		return errors.New("file is required")
	}
	gw, err := c.app.gateway()
	if err != nil {
		return err
	}
	tr, err := gw.GetConversation(ctx, file)
	if err != nil {
		return err
	}
	if s.Stats {
		return addTokenStatRows(ctx, gp, tr.Exchanges)
	}
	return addExchangeRows(ctx, gp, file, tr.Exchanges)
}

var _ cmds.GlazeCommand = &ConversationShowCommand{}

type ConversationLatestCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewConversationLatestCommand(a *app) (*ConversationLatestCommand, error) {
	desc, err := newGlazeDescription(
		"latest",
		cmds.WithShort("Print the most recent conversation, one row per exchange"),
	)
	if err != nil {
		return nil, err
	}
	return &ConversationLatestCommand{CommandDescription: desc, app: a}, nil
}

func (c *ConversationLatestCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	gw, err := c.app.gateway()
	if err != nil {
		return err
	}
	l, err := gw.GetLatestConversation(ctx)
	if err != nil {
		return err
	}
	if !l.Exists {
		log.Info().Msg("no stored conversations")
		return nil
	}
	return addExchangeRows(ctx, gp, l.Filename, l.Conversation)
}

var _ cmds.GlazeCommand = &ConversationLatestCommand{}

func addExchangeRows(ctx context.Context, gp middlewares.Processor, file string, exchanges []gateway.Exchange) error {
	for i, ex := range exchanges {
		row := types.NewRow(
			types.MRP("file", file),
			types.MRP("exchange", i+1),
			types.MRP("timestamp", ex.Timestamp),
			types.MRP("you", ex.User),
			types.MRP("tutor", ex.Bot),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type tokenStats struct {
	Turns  int
	Tokens int
}

// countTokens counts cl100k_base tokens per role.
func countTokens(exchanges []gateway.Exchange) (user, bot tokenStats, err error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return user, bot, errors.Wrap(err, "error getting tokenizer")
	}
	count := func(s *tokenStats, text string) error {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		ids, _, err := codec.Encode(text)
		if err != nil {
			return errors.Wrap(err, "error encoding")
		}
		s.Turns++
		s.Tokens += len(ids)
		return nil
	}
	for _, ex := range exchanges {
		if err := count(&user, ex.User); err != nil {
			return user, bot, err
		}
		if err := count(&bot, ex.Bot); err != nil {
			return user, bot, err
		}
	}
	return user, bot, nil
}

// addTokenStatRows emits one row per role and a total row.
func addTokenStatRows(ctx context.Context, gp middlewares.Processor, exchanges []gateway.Exchange) error {
	user, bot, err := countTokens(exchanges)
	if err != nil {
		return err
	}
	total := tokenStats{Turns: user.Turns + bot.Turns, Tokens: user.Tokens + bot.Tokens}
	for _, r := range []struct {
		role  string
		stats tokenStats
	}{{"you", user}, {"tutor", bot}, {"total", total}} {
		row := types.NewRow(
			types.MRP("role", r.role),
			types.MRP("turns", r.stats.Turns),
			types.MRP("tokens", r.stats.Tokens),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
