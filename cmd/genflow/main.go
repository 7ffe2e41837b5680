package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/genflow/internal/logging"
)

// flagKeys maps command-line flags to configuration keys. Flags are bound
// per invocation because several commands share a key.
var flagKeys = map[string]string{
	"db-path":     "db_path",
	"log-level":   "log_level",
	"listen-addr": "listen_addr",
	"nats-url":    "nats_url",
	"channel":     "channel",
	"pool-size":   "pool_size",
	"retention":   "retention",
}

type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
	level   *slog.LevelVar
	logger  *slog.Logger
}

func newCLI() *cli {
	c := &cli{v: newViper(), level: new(slog.LevelVar)}
	c.logger = slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.level}),
	))
	return c
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "genflow",
		Short:             "Run multi-step image, video and analysis generation workflows",
		SilenceUsage:      true,
		PersistentPreRunE: c.setupConfig,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "settings file (default ~/.genflow/settings.json)")
	pf.String("db-path", "", `database path, ":memory:" for a throwaway store`)
	pf.String("log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		c.serveCmd(),
		c.workerCmd(),
		c.recoverCmd(),
		c.listCmd(),
		c.purgeCmd(),
		c.mcpCmd(),
		c.installCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := c.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := loadConfig(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.level.Set(logging.ParseLevel(cfg.LogLevel))
	return nil
}

// watchConfig applies log level edits to the settings file while serving and
// warns about edits that need a restart.
func (c *cli) watchConfig() {
	used := c.v.ConfigFileUsed()
	if _, err := os.Stat(used); err != nil {
		return
	}
	current := c.cfg
	c.v.OnConfigChange(func(fsnotify.Event) {
		next, err := decodeConfig(c.v)
		if err != nil {
			c.logger.Warn("ignoring settings change", "file", used, "error", err)
			return
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			c.level.Set(logging.ParseLevel(next.LogLevel))
			c.logger.Info("log level changed", "level", next.LogLevel)
		}
		if len(d.RestartNeeded) > 0 {
			c.logger.Warn("settings changed that take effect after a restart", "keys", d.RestartNeeded)
		}
		current = next
	})
	c.v.WatchConfig()
}

func main() {
	if err := newCLI().rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
