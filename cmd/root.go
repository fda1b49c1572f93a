package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/internal/relayer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:          "relayer",
		Short:        "Solana to EVM settlement relayer",
		SilenceUsage: true,
		RunE:         run,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads .env, the config file and the bound flags, then configures the logger.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	config.InitLogger(cfg.Monitoring.LogLevel, cfg.Monitoring.Environment)
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := relayer.NewService(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("[Relayer] failed to create relayer service")
		return err
	}
	if err := service.Start(ctx); err != nil {
		log.Error().Err(err).Msg("[Relayer] failed to start relayer service")
		service.Close(context.Background())
		return err
	}

	// Wait for interrupt signal to gracefully shutdown the relayer
	<-ctx.Done()
	log.Info().Msg("[Relayer] shutting down relayer...")
	return service.Stop(context.Background())
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to the configuration file (default ./config.yaml)")
	flags.StringVar(&envFile, "env", ".env", "Env file loaded before the configuration")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	flags.String("database-url", "", "Database url, overrides database.url")
	flags.Int("metrics-port", 9090, "Monitoring port, overrides monitoring.metrics_port")
	_ = viper.BindPFlag("monitoring.log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("database.url", flags.Lookup("database-url"))
	_ = viper.BindPFlag("monitoring.metrics_port", flags.Lookup("metrics-port"))

	rootCmd.AddCommand(newConfigCmd(), newSettleCmd(), newVaultCmd())
}
