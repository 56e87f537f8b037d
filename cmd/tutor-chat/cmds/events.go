package cmds

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/mirror"
	"github.com/go-go-golems/tutorchat/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newEventsCommand(a *app) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow events mirrored by chat sessions",
	}
	tailCmd, err := NewEventsTailCommand(a)
	if err != nil {
		return nil, err
	}
	cobraTailCmd, err := cli.BuildCobraCommand(tailCmd)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(cobraTailCmd)
	return cmd, nil
}

type EventsTailCommand struct {
	*cmds.CommandDescription
	app *app
}

type EventsTailSettings struct {
	Group    string `glazed:"group"`
	Consumer string `glazed:"consumer"`
	Count    int    `glazed:"count"`
}

func NewEventsTailCommand(a *app) (*EventsTailCommand, error) {
	desc, err := newGlazeDescription(
		"tail",
		cmds.WithShort("Print events mirrored to Redis Streams by `chat --mirror redis`"),
		cmds.WithLong("Follow the mirror topic from its current tail, one row per event. Rows are written when --count events were read or the command is interrupted."),
		cmds.WithFlags(
			fields.New(
				"group",
				fields.TypeString,
				fields.WithHelp("Consumer group"),
				fields.WithDefault(redisstream.DefaultSettings().Group),
			),
			fields.New(
				"consumer",
				fields.TypeString,
				fields.WithHelp("Consumer name within the group"),
				fields.WithDefault(redisstream.DefaultSettings().Consumer),
			),
			fields.New(
				"count",
				fields.TypeInteger,
				fields.WithHelp("Stop after this many events (0 = until interrupted)"),
				fields.WithDefault(0),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &EventsTailCommand{CommandDescription: desc, app: a}, nil
}

func (c *EventsTailCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &EventsTailSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	rs := c.app.settings.RedisStream()
	rs.Group, rs.Consumer = s.Group, s.Consumer
	if rs.Group == "" {
		rs.Group = redisstream.DefaultSettings().Group
	}
	topic := c.app.settings.MirrorTopic

	sub, client, err := redisstream.BuildGroupSubscriber(rs)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Close()
		_ = client.Close()
	}()
	if err := redisstream.EnsureGroupAtTail(ctx, client, topic, rs.Group); err != nil {
		return err
	}

	followCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var rowErr error
	seen := 0
	err = mirror.Follow(followCtx, sub, topic, func(ev events.Inbound, md message.Metadata) {
		if rowErr != nil {
			return
		}
		if rowErr = gp.AddRow(ctx, mirroredRow(ev, md)); rowErr != nil {
			cancel()
			return
		}
		seen++
		if s.Count > 0 && seen >= s.Count {
			cancel()
		}
	})
	if rowErr != nil {
		return rowErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ cmds.GlazeCommand = &EventsTailCommand{}

func mirroredRow(ev events.Inbound, md message.Metadata) types.Row {
	detail := ""
	switch e := ev.(type) {
	case events.UserMessage:
		detail = e.Message
	case events.BotMessage:
		detail = e.Message
	case events.SystemMessage:
		detail = e.Message
	case events.Error:
		detail = e.Message
	case events.ConversationCleared:
		detail = e.Message
	case events.ConversationLoaded:
		detail = fmt.Sprintf("%s (%d exchanges)", e.Filename, e.Count)
	case events.ConnectionStatus:
		detail = fmt.Sprintf("connected=%t", e.Connected)
	}
	return types.NewRow(
		types.MRP("session", md.Get(mirror.MetadataSession)),
		types.MRP("event", string(ev.EventName())),
		types.MRP("detail", detail),
	)
}
