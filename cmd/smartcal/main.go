package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"smartcal/internal/cache"
	"smartcal/internal/config"
	appLog "smartcal/internal/log"
	"smartcal/internal/pipeline"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string

	// Set by PersistentPreRunE.
	conf  *config.Config
	svc   *pipeline.Service
	memo  *cache.Cache
	store cache.Store
)

var rootCmd = &cobra.Command{
	Use:           "smartcal",
	Version:       version,
	Short:         "Calendar import, classification, habit analysis and slot recommendation",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			appLog.Error("failed to load config", err, "config_path", configPath)
			return err
		}
		cfg.ApplyEnv()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

		appLog.Debug("effective config",
			"timezone", cfg.Timezone,
			"classifier_enabled", cfg.Classifier.Enabled,
			"classifier_provider", cfg.Classifier.Provider,
			"cache_enabled", cfg.Cache.Enabled,
			"cache_backend", cfg.Cache.Backend,
		)

		c, s, err := pipeline.OpenCache(cfg, nil)
		if err != nil {
			return err
		}
		ext, err := pipeline.NewClassifier(cmd.Context(), cfg.Classifier)
		if err != nil {
			if s != nil {
				s.Close()
			}
			return err
		}

		conf, memo, store = cfg, c, s
		svc = pipeline.New(cfg, pipeline.WithCache(c), pipeline.WithClassifier(ext))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(importCmd, enrichCmd, analyzeCmd, recommendCmd, runCmd)
	rootCmd.AddCommand(cacheCmd, maintainCmd)
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if store != nil {
		if cerr := store.Close(); cerr != nil {
			appLog.Error("cache close failed", cerr)
		}
	}
	if err != nil {
		appLog.Error("command failed", err)
		appLog.Sync()
		os.Exit(1)
	}
}
