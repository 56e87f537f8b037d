package cmds

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/tutorchat/pkg/chatrunner"
	"github.com/go-go-golems/tutorchat/pkg/config"
	"github.com/go-go-golems/tutorchat/pkg/events"
	"github.com/go-go-golems/tutorchat/pkg/mirror"
	"github.com/go-go-golems/tutorchat/pkg/redisstream"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newChatCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the tutor, resuming the last conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := a.settings

			wsURL, err := s.WebSocketURL()
			if err != nil {
				return err
			}
			gw, err := a.gateway()
			if err != nil {
				return err
			}
			local, err := s.OpenLocal()
			if err != nil {
				return err
			}
			defer func() {
				if err := local.Close(); err != nil {
					log.Warn().Err(err).Msg("closing local store")
				}
			}()

			adapter := transport.New(wsURL, transport.WithPolicy(s.Policy()))
			m, err := buildMirror(ctx, s, adapter)
			if err != nil {
				return err
			}

			noColor, _ := cmd.Flags().GetBool("no-color")
			b := chatrunner.NewChatBuilder().
				WithContext(ctx).
				WithTransport(adapter).
				WithGateway(gw).
				WithLocal(local).
				WithInput(cmd.InOrStdin()).
				WithOutputWriter(cmd.OutOrStdout())
			if m != nil {
				b = b.WithMirror(m)
			}
			if noColor {
				b = b.WithColor(false)
			}
			session, err := b.Build()
			if err != nil {
				return err
			}
			return session.Run()
		},
	}
	cmd.Flags().Bool("no-color", false, "Disable styled output")
	return cmd
}

// buildMirror returns the configured event mirror, or nil when mirroring is
// off. The in-process backend is followed by a debug logger.
func buildMirror(ctx context.Context, s config.Settings, adapter *transport.Adapter) (*mirror.Mirror, error) {
	opts := []mirror.Option{mirror.WithTopic(s.MirrorTopic), mirror.WithSessionID(adapter.SessionID)}
	switch s.Mirror {
	case config.MirrorGoChannel:
		gc := mirror.NewGoChannel()
		go func() {
			err := mirror.Follow(ctx, gc, s.MirrorTopic, func(ev events.Inbound, md message.Metadata) {
				log.Debug().Str("component", "mirror").
					Str("event", string(ev.EventName())).
					Str("session_id", md.Get(mirror.MetadataSession)).
					Msg("mirrored event")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("mirror follower stopped")
			}
		}()
		return mirror.New(gc, opts...), nil
	case config.MirrorRedis:
		pub, client, err := redisstream.BuildPublisher(s.RedisStream())
		if err != nil {
			return nil, err
		}
		return mirror.New(&closingPublisher{Publisher: pub, close: client.Close}, opts...), nil
	default:
		return nil, nil
	}
}

// closingPublisher closes the redis client after the publisher.
type closingPublisher struct {
	message.Publisher
	close func() error
}

func (p *closingPublisher) Close() error {
	err := p.Publisher.Close()
	if cerr := p.close(); err == nil {
		err = cerr
	}
	return err
}
