package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/permitd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage permitd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.permitd/" + permitd.DefaultConfigFileName
	if path, err := permitd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default permitd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := permitd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			outPath, err = expandPath(outPath)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper picks them up unchanged.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	MaxConnections            int    `yaml:"max-connections"`
	QueueCapacity             int    `yaml:"queue-capacity"`
	DisableReusePort          bool   `yaml:"disable-reuse-port"`
	Routing                   string `yaml:"routing"`
	ReleasePolicy             string `yaml:"release-policy"`
	QueueFullPolicy           string `yaml:"queue-full-policy"`
	PurgeOnDisconnect         bool   `yaml:"purge-on-disconnect"`
	ReleaseOnDisconnect       bool   `yaml:"release-on-disconnect"`
	WriteTimeout              string `yaml:"write-timeout"`
	DropWarnInterval          string `yaml:"drop-warn-interval"`
	AcceptBackoffMax          string `yaml:"accept-backoff-max"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	AdminListen               string `yaml:"admin-listen"`
	DisableAdmin              bool   `yaml:"disable-admin"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	RedisURL                  string `yaml:"redis-url"`
	RedisPrefix               string `yaml:"redis-prefix"`
	RedisBucketTTL            string `yaml:"redis-bucket-ttl"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    permitd.DefaultListen,
		MaxConnections:            permitd.DefaultMaxConnections,
		QueueCapacity:             permitd.DefaultMaxConnections,
		Routing:                   permitd.DefaultRouting,
		ReleasePolicy:             permitd.DefaultReleasePolicy,
		QueueFullPolicy:           permitd.DefaultQueueFullPolicy,
		PurgeOnDisconnect:         true,
		ReleaseOnDisconnect:       true,
		WriteTimeout:              permitd.DefaultWriteTimeout.String(),
		DropWarnInterval:          permitd.DefaultDropWarnInterval.String(),
		AcceptBackoffMax:          permitd.DefaultAcceptBackoffMax.String(),
		ShutdownTimeout:           permitd.DefaultShutdownTimeout.String(),
		AdminListen:               permitd.DefaultAdminListen,
		RedisPrefix:               permitd.DefaultRedisPrefix,
		RedisBucketTTL:            permitd.DefaultRedisBucketTTL.String(),
		ConnguardFailureThreshold: permitd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    permitd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    permitd.DefaultConnguardBlockDuration.String(),
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
