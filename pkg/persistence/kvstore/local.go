package kvstore

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Local is the client's two-scope persistence: a durable backend that
// survives restarts and a session backend cleared when the session ends.
// It never returns errors; backend failures are logged and read as absent.
type Local struct {
	durable Backend
	session Backend
	logger  zerolog.Logger
}

func NewLocal(durable, session Backend) *Local {
	if durable == nil {
		durable = NewMemoryBackend()
	}
	if session == nil {
		session = NewMemoryBackend()
	}
	return &Local{
		durable: durable,
		session: session,
		logger:  log.With().Str("component", "kvstore").Logger(),
	}
}

func (l *Local) GetDurable(ctx context.Context, key string) (string, bool) {
	return l.get(ctx, l.durable, "durable", key)
}

func (l *Local) SetDurable(ctx context.Context, key, value string) {
	l.set(ctx, l.durable, "durable", key, value)
}

func (l *Local) RemoveDurable(ctx context.Context, key string) {
	l.remove(ctx, l.durable, "durable", key)
}

func (l *Local) GetSession(ctx context.Context, key string) (string, bool) {
	return l.get(ctx, l.session, "session", key)
}

func (l *Local) SetSession(ctx context.Context, key, value string) {
	l.set(ctx, l.session, "session", key, value)
}

func (l *Local) RemoveSession(ctx context.Context, key string) {
	l.remove(ctx, l.session, "session", key)
}

// Close closes both backends.
func (l *Local) Close() error {
	err := l.durable.Close()
	if serr := l.session.Close(); err == nil {
		err = serr
	}
	return err
}

func (l *Local) get(ctx context.Context, b Backend, scope, key string) (string, bool) {
	v, ok, err := b.Get(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Str("scope", scope).Str("key", key).Msg("storage read failed, treating as absent")
		return "", false
	}
	return v, ok
}

func (l *Local) set(ctx context.Context, b Backend, scope, key, value string) {
	if err := b.Set(ctx, key, value); err != nil {
		l.logger.Warn().Err(err).Str("scope", scope).Str("key", key).Msg("storage write failed")
	}
}

func (l *Local) remove(ctx context.Context, b Backend, scope, key string) {
	if err := b.Delete(ctx, key); err != nil {
		l.logger.Warn().Err(err).Str("scope", scope).Str("key", key).Msg("storage delete failed")
	}
}
