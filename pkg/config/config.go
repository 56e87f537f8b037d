// Package config binds the tutor-specific persistent flags, TUTORCHAT_
// environment variables and an optional .env file into one typed Settings
// value. Logging flags and the config file are handled by clay.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/tutorchat/pkg/gateway"
	"github.com/go-go-golems/tutorchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/tutorchat/pkg/redisstream"
	"github.com/go-go-golems/tutorchat/pkg/transport"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName   = "tutor-chat"
	EnvPrefix = "TUTORCHAT"

	SessionMemory = "memory"
	SessionRedis  = "redis"

	MirrorNone      = "none"
	MirrorGoChannel = "gochannel"
	MirrorRedis     = "redis"
)

type Settings struct {
	ServerURL      string        `mapstructure:"server-url" yaml:"server-url"`
	WSPath         string        `mapstructure:"ws-path" yaml:"ws-path"`
	GatewayTimeout time.Duration `mapstructure:"gateway-timeout" yaml:"gateway-timeout"`

	BackoffBase     time.Duration `mapstructure:"backoff-base" yaml:"backoff-base"`
	BackoffMax      time.Duration `mapstructure:"backoff-max" yaml:"backoff-max"`
	BackoffAttempts int           `mapstructure:"backoff-attempts" yaml:"backoff-attempts"`

	DBPath         string        `mapstructure:"db" yaml:"db"`
	SessionBackend string        `mapstructure:"session-backend" yaml:"session-backend"`
	RedisAddr      string        `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisPrefix    string        `mapstructure:"redis-prefix" yaml:"redis-prefix"`
	RedisTTL       time.Duration `mapstructure:"redis-ttl" yaml:"redis-ttl"`

	Mirror      string `mapstructure:"mirror" yaml:"mirror"`
	MirrorTopic string `mapstructure:"mirror-topic" yaml:"mirror-topic"`
}

func Defaults() Settings {
	p := transport.DefaultPolicy()
	return Settings{
		ServerURL:       "http://localhost:8080",
		WSPath:          "/ws",
		GatewayTimeout:  gateway.DefaultTimeout,
		BackoffBase:     p.BaseDelay,
		BackoffMax:      p.MaxDelay,
		BackoffAttempts: p.MaxAttempts,
		DBPath:          defaultDBPath(),
		SessionBackend:  SessionMemory,
		RedisAddr:       "localhost:6379",
		RedisPrefix:     "tutorchat:",
		RedisTTL:        24 * time.Hour,
		Mirror:          MirrorNone,
		MirrorTopic:     "tutorchat.events",
	}
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", AppName+".db")
	}
	return filepath.Join(dir, AppName, "state.db")
}

// keys lists every setting, in flag order.
var keys = []string{
	"server-url", "ws-path", "gateway-timeout",
	"backoff-base", "backoff-max", "backoff-attempts",
	"db", "session-backend", "redis-addr", "redis-prefix", "redis-ttl",
	"mirror", "mirror-topic",
}

// AddFlags registers the persistent flags every subcommand shares. It must
// run before clay.InitViper so the flags are bound with clay's own.
func AddFlags(cmd *cobra.Command) {
	d := Defaults()
	fs := cmd.PersistentFlags()
	fs.String("server-url", d.ServerURL, "Base URL of the tutor server")
	fs.String("ws-path", d.WSPath, "WebSocket endpoint path")
	fs.Duration("gateway-timeout", d.GatewayTimeout, "Timeout for REST requests")
	fs.Duration("backoff-base", d.BackoffBase, "First reconnection delay")
	fs.Duration("backoff-max", d.BackoffMax, "Maximum reconnection delay")
	fs.Int("backoff-attempts", d.BackoffAttempts, "Reconnection attempts before giving up")
	fs.String("db", d.DBPath, "SQLite file for durable client state")
	fs.String("session-backend", d.SessionBackend, "Session-scoped state backend (memory|redis)")
	fs.String("redis-addr", d.RedisAddr, "Redis address for the redis session backend and mirror")
	fs.String("redis-prefix", d.RedisPrefix, "Key prefix for the redis session backend")
	fs.Duration("redis-ttl", d.RedisTTL, "Expiry of redis session keys")
	fs.String("mirror", d.Mirror, "Mirror inbound events (none|gochannel|redis)")
	fs.String("mirror-topic", d.MirrorTopic, "Topic mirrored events are published to")
}

// Bind loads .env and binds the tutor settings of cmd's flags and the
// TUTORCHAT_ environment into v. Values v already holds, such as those read
// from a config file, rank below both.
func Bind(v *viper.Viper, cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env")
	}

	for _, key := range keys {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, env); err != nil {
			return errors.Wrapf(err, "bind %s", env)
		}
	}
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.InheritedFlags()} {
		for _, key := range keys {
			if f := fs.Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return errors.Wrapf(err, "bind --%s", key)
				}
			}
		}
	}
	return nil
}

// Load decodes v into Settings and validates it.
func Load(v *viper.Viper) (Settings, error) {
	s := Defaults()
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch s.SessionBackend {
	case SessionMemory, SessionRedis:
	default:
		return errors.Errorf("unknown session backend %q", s.SessionBackend)
	}
	switch s.Mirror {
	case MirrorNone, MirrorGoChannel, MirrorRedis, "":
	default:
		return errors.Errorf("unknown mirror backend %q", s.Mirror)
	}
	if s.ServerURL == "" {
		return errors.New("server-url is required")
	}
	return nil
}

func (s Settings) Policy() transport.Policy {
	return transport.Policy{BaseDelay: s.BackoffBase, MaxDelay: s.BackoffMax, MaxAttempts: s.BackoffAttempts}
}

func (s Settings) WebSocketURL() (string, error) {
	return transport.WebSocketURL(s.ServerURL, s.WSPath)
}

func (s Settings) Gateway() (*gateway.HTTPGateway, error) {
	return gateway.NewHTTPGateway(s.ServerURL, gateway.WithTimeout(s.GatewayTimeout))
}

func (s Settings) RedisStream() redisstream.Settings {
	return redisstream.Settings{Enabled: s.Mirror == MirrorRedis, Addr: s.RedisAddr}
}

// OpenLocal opens the durable sqlite store and the configured session store.
// An empty DBPath keeps durable state in memory.
func (s Settings) OpenLocal() (*kvstore.Local, error) {
	var durable kvstore.Backend = kvstore.NewMemoryBackend()
	if s.DBPath != "" {
		b, err := kvstore.OpenSQLiteFile(s.DBPath)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", s.DBPath)
		}
		durable = b
	}
	var session kvstore.Backend = kvstore.NewMemoryBackend()
	if s.SessionBackend == SessionRedis {
		session = kvstore.NewRedisBackend(s.RedisAddr,
			kvstore.WithPrefix(s.RedisPrefix), kvstore.WithTTL(s.RedisTTL))
	}
	return kvstore.NewLocal(durable, session), nil
}
