package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/liamcoop/dss/internal/config"
	"github.com/liamcoop/dss/internal/logger"
)

var (
	v          *viper.Viper
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "dss-server",
	Short: "Clinical decision-support rule engine",
	Long: `dss-server stores rule records, resolves their implementations across
namespaces and evaluates them against patient facts over HTTP.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	v = config.New()

	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
	flags.String("addr", config.DefaultHTTPAddr, "HTTP listen address")
	flags.String("database-driver", config.DefaultDatabaseDriver, "database driver: postgres, pgx or sqlite")
	flags.String("database-url", config.DefaultDatabaseURL, "database URL")
	flags.String("nats-url", "", "NATS URL for cross-instance cache invalidation")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")

	bindings := map[string]string{
		"http.addr":       "addr",
		"database.driver": "database-driver",
		"database.url":    "database-url",
		"nats.url":        "nats-url",
		"log.level":       "log-level",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			logger.Fatal("failed to bind flag", "flag", flag, "error", err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.SampleRate); err != nil {
		return err
	}

	app := fx.New(
		appOptions(v, cfg),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		logger.Error("failed to build application", "error", err)
		return err
	}

	app.Run()
	logger.Info("server stopped")
	return nil
}
