package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/zkproxy"
	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newRootCommand() *cobra.Command {
	cfg, envErr := zkproxy.ConfigFromEnv()

	cmd := &cobra.Command{
		Use:           "zkproxy",
		Short:         "Transparent ZooKeeper proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := zkproxy.New(cfg, log)
			if err != nil {
				return err
			}
			log.Info("proxy.start",
				slog.String("version", zkproxy.Version),
				slog.String("listen", cfg.Listen),
				slog.String("chroot", cfg.Chroot))
			return p.Run(cmd.Context())
		},
	}
	bindFlags(cmd.PersistentFlags(), &cfg)

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newSessionsCommand(&cfg))
	return cmd
}

// bindFlags exposes every Config field as a flag whose default is the value
// already decoded from the environment.
func bindFlags(fs *pflag.FlagSet, cfg *zkproxy.Config) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "client listen address")
	fs.StringVar(&cfg.Servers, "servers", cfg.Servers, "ensemble members as host:port,...")
	fs.StringVar(&cfg.ServersFile, "servers-file", cfg.ServersFile, "file with ensemble members, reloaded on change")
	fs.StringVar(&cfg.Chroot, "chroot", cfg.Chroot, "path prefix applied to every client path")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "timeout per ensemble member dial")
	fs.IntVar(&cfg.DialAttempts, "dial-attempts", cfg.DialAttempts, "dial attempts per connect (0 = twice the member count)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time allowed for a client connect request")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "largest accepted frame in bytes")
	fs.BoolVar(&cfg.ExpireDetached, "expire-detached", cfg.ExpireDetached, "close sessions whose client stays away past the session timeout")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for shared session records and traces")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")
	fs.DurationVar(&cfg.SessionsTTL, "sessions-ttl", cfg.SessionsTTL, "expiry of Redis session records (0 = never)")
	fs.StringVar(&cfg.TraceFile, "trace-file", cfg.TraceFile, "append JSON trace events to this file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
}

func newLogger(cfg zkproxy.Config, w io.Writer) (*slog.Logger, error) {
	level, err := zkproxy.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}).With("app", "zkproxy"), nil
}
