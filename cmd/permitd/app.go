package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/permitd"
	"pkt.systems/permitd/internal/loggingutil"
	"pkt.systems/permitd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PERMITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "permitd")
	levels := loggingutil.NewSwitch(baseLogger, pslog.InfoLevel)
	cmd := newRootCommand(levels)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(levels.Logger(), "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, skipping over root flags and their values.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		for _, set := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
			var flag *pflag.Flag
			if short {
				flag = set.ShorthandLookup(name)
			} else {
				flag = set.Lookup(name)
			}
			if flag != nil {
				return flag
			}
		}
		return nil
	}
	subcommandFollows := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return !subcommandFollows(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			shorts := strings.TrimPrefix(arg, "-")
			for idx, ch := range shorts {
				flag := lookup(string(ch), true)
				if flag == nil {
					return !subcommandFollows(args[i:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(shorts)-1 && i < len(args) {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := permitd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// watchLogLevel re-reads log-level whenever the loaded config file changes.
func watchLogLevel(levels *loggingutil.Switch, logger pslog.Logger) {
	viper.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		applyLogLevel(levels, logger, ev.Name)
	})
	viper.WatchConfig()
}

func applyLogLevel(levels *loggingutil.Switch, logger pslog.Logger, source string) {
	raw := strings.TrimSpace(viper.GetString("log-level"))
	if raw == "" {
		raw = "info"
	}
	prev := levels.Level()
	level, ok := levels.SetLevelString(raw)
	if !ok {
		logger.Warn("permitd.config.invalid_log_level", "value", raw, "source", source)
		return
	}
	if level != prev {
		logger.Info("permitd.config.log_level_changed", "from", pslog.LevelString(prev), "to", pslog.LevelString(level), "source", source)
	}
}

func newRootCommand(levels *loggingutil.Switch) *cobra.Command {
	var cfg permitd.Config
	cmd := &cobra.Command{
		Use:           "permitd",
		Short:         "permitd is a centralized mutual-exclusion coordinator handing out a single permit over TCP",
		SilenceErrors: true,
		Example: `
  # Reference setup: port 8080, five connections, queue of five
  permitd

  # Only the holder may release, grants follow the claiming connection
  permitd --release-policy holder --routing claimer

  # Observer endpoints, Prometheus metrics and a redis ledger mirror
  permitd --admin-listen 127.0.0.1:8081 --metrics-listen :9464 --redis-url redis://localhost:6379/0
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := levels.Logger()
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			applyLogLevel(levels, cliLogger, "startup")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to permitd",
				"app", "permitd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				watchLogLevel(levels, cliLogger)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			server, err := permitd.NewServer(cfg, permitd.WithLogger(logger))
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.permitd/"+permitd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error); reloaded when the config file changes")

	flags := cmd.Flags()
	flags.StringP("listen", "l", permitd.DefaultListen, "protocol listen address")
	flags.Int("max-connections", permitd.DefaultMaxConnections, "maximum concurrently served connections")
	flags.Int("queue-capacity", 0, "pending request capacity (0 uses --max-connections)")
	flags.Bool("disable-reuse-port", false, "do not set SO_REUSEPORT on the protocol listener")
	flags.String("routing", permitd.DefaultRouting, "grant routing: origin (requesting connection) or claimer (claiming connection)")
	flags.String("release-policy", permitd.DefaultReleasePolicy, "who may release the permit: any or holder")
	flags.String("queue-full-policy", permitd.DefaultQueueFullPolicy, "REQUEST at a full queue: drop or close")
	flags.Bool("purge-on-disconnect", true, "drop a closed connection's pending requests")
	flags.Bool("release-on-disconnect", true, "free the permit when its holder disconnects or its grant cannot be delivered")
	flags.Duration("write-timeout", permitd.DefaultWriteTimeout, "deadline for writing a GRANT")
	flags.Duration("drop-warn-interval", permitd.DefaultDropWarnInterval, "minimum interval between queue-full warnings")
	flags.Duration("accept-backoff-max", permitd.DefaultAcceptBackoffMax, "maximum delay between retries after accept failures")
	flags.Duration("shutdown-timeout", permitd.DefaultShutdownTimeout, "time allowed for sessions to drain on shutdown")
	flags.String("admin-listen", permitd.DefaultAdminListen, "observer HTTP listen address (/v1/queue, /v1/ledger, /v1/status)")
	flags.Bool("disable-admin", false, "disable the observer HTTP server")
	flags.String("metrics-listen", "", "Prometheus scrape address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("redis-url", "", "mirror grant counts into redis (redis://host:port/db)")
	flags.String("redis-prefix", permitd.DefaultRedisPrefix, "key prefix for the redis mirror")
	flags.Duration("redis-bucket-ttl", permitd.DefaultRedisBucketTTL, "lifetime of per-minute grant buckets in redis")
	flags.Bool("connguard-enabled", false, "block hosts that repeatedly send malformed frames or connect without speaking")
	flags.Int("connguard-failure-threshold", permitd.DefaultConnguardFailureThreshold, "suspicious events before a host is blocked")
	flags.Duration("connguard-failure-window", permitd.DefaultConnguardFailureWindow, "window for counting suspicious events")
	flags.Duration("connguard-block-duration", permitd.DefaultConnguardBlockDuration, "how long a blocked host stays blocked")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PERMITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "max-connections", "queue-capacity", "disable-reuse-port",
		"routing", "release-policy", "queue-full-policy", "purge-on-disconnect", "release-on-disconnect",
		"write-timeout", "drop-warn-interval", "accept-backoff-max", "shutdown-timeout",
		"admin-listen", "disable-admin",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"redis-url", "redis-prefix", "redis-bucket-ttl",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newClientCommand(levels))
	return cmd
}

func bindConfig(cfg *permitd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.QueueCapacity = viper.GetInt("queue-capacity")
	cfg.DisableReusePort = viper.GetBool("disable-reuse-port")
	cfg.Routing = viper.GetString("routing")
	cfg.ReleasePolicy = viper.GetString("release-policy")
	cfg.QueueFullPolicy = viper.GetString("queue-full-policy")
	cfg.DisablePurgeOnDisconnect = !viper.GetBool("purge-on-disconnect")
	cfg.DisableReleaseOnDisconnect = !viper.GetBool("release-on-disconnect")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.DropWarnInterval = viper.GetDuration("drop-warn-interval")
	cfg.AcceptBackoffMax = viper.GetDuration("accept-backoff-max")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.AdminListen = viper.GetString("admin-listen")
	cfg.DisableAdmin = viper.GetBool("disable-admin")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.RedisURL = viper.GetString("redis-url")
	cfg.RedisPrefix = viper.GetString("redis-prefix")
	cfg.RedisBucketTTL = viper.GetDuration("redis-bucket-ttl")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
