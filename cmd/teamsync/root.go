package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"teamsync/internal/config"
	"teamsync/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries what PersistentPreRunE loads for every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "teamsync",
		Short:         "Real-time sync core for team boards",
		Long:          "teamsync serves the websocket and HTTP API of the sync core, manages its database and can watch a scope as a client.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "path to a YAML config file (default: ./teamsync.yaml if present)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or console)")
	flags.String("db", "", "SQLite database path")
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("database.path", flags.Lookup("db"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(c),
		newMigrateCmd(c),
		newSeedCmd(c),
		newWatchCmd(c),
	)
	return rootCmd
}

func (c *cli) load() error {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
