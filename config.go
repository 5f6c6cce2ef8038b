package zkproxy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/zkproxy/backend/ensemble"
	"github.com/ggoodman/zkproxy/internal/chroot"
	"github.com/joeshaw/envdecode"
)

// Version is reported by the four-letter words and the version command.
const Version = "0.1.0"

// Config holds every process setting. Defaults come from the struct tags and
// ZKPROXY_* environment variables; the CLI overrides them with flags.
type Config struct {
	// Listen is the client-facing address.
	Listen string `env:"ZKPROXY_LISTEN,default=:2181"`
	// Servers lists ensemble members as host:port, comma separated.
	Servers string `env:"ZKPROXY_SERVERS,default=127.0.0.1:2081"`
	// ServersFile, when set, replaces Servers and is reloaded on change.
	ServersFile string `env:"ZKPROXY_SERVERS_FILE"`
	// Chroot is prepended to every client path.
	Chroot string `env:"ZKPROXY_CHROOT"`

	DialTimeout      time.Duration `env:"ZKPROXY_DIAL_TIMEOUT,default=5s"`
	DialAttempts     int           `env:"ZKPROXY_DIAL_ATTEMPTS"`
	HandshakeTimeout time.Duration `env:"ZKPROXY_HANDSHAKE_TIMEOUT,default=10s"`
	MaxFrameSize     int           `env:"ZKPROXY_MAX_FRAME_SIZE,default=4194304"`
	// ExpireDetached closes sessions whose client stayed away longer than
	// the session timeout.
	ExpireDetached bool `env:"ZKPROXY_EXPIRE_DETACHED,default=true"`

	// MetricsListen serves /metrics when set.
	MetricsListen string `env:"ZKPROXY_METRICS_LISTEN"`

	// RedisAddr switches session records and traces to Redis.
	RedisAddr   string `env:"ZKPROXY_REDIS_ADDR"`
	RedisPrefix string `env:"ZKPROXY_REDIS_PREFIX,default=zkproxy:"`
	// SessionsTTL bounds how long a Redis session record outlives the proxy
	// that wrote it. Zero keeps records until teardown deletes them.
	SessionsTTL time.Duration `env:"ZKPROXY_SESSIONS_TTL,default=24h"`

	// TraceFile appends one JSON line per traced message when set.
	TraceFile string `env:"ZKPROXY_TRACE_FILE"`

	LogLevel  string `env:"ZKPROXY_LOG_LEVEL,default=info"`
	LogFormat string `env:"ZKPROXY_LOG_FORMAT,default=text"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate normalises the chroot and checks the remaining settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address required")
	}
	if c.ServersFile == "" && len(ensemble.ParseServers(c.Servers)) == 0 {
		return errors.New("at least one ensemble server required")
	}
	t, err := chroot.New(c.Chroot)
	if err != nil {
		return err
	}
	c.Chroot = t.Prefix()
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("invalid max frame size %d", c.MaxFrameSize)
	}
	if c.SessionsTTL < 0 {
		return fmt.Errorf("invalid sessions ttl %v", c.SessionsTTL)
	}
	if c.DialAttempts < 0 {
		return fmt.Errorf("invalid dial attempts %d", c.DialAttempts)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
