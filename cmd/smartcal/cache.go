package main

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"smartcal/internal/cache"
	appLog "smartcal/internal/log"
)

var errCacheDisabled = errors.New("cache is disabled in config")

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the stage cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts and sizes per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		if store == nil {
			return errCacheDisabled
		}
		st, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), st)
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop expired entries and entries older than max_entry_age_hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		if memo == nil {
			return errCacheDisabled
		}
		n, err := memo.Cleanup(cmd.Context(), conf.MaxEntryAge())
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [stage]",
	Short: "Drop every entry of one stage, or of all stages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if store == nil {
			return errCacheDisabled
		}
		var stage cache.Stage
		if len(args) == 1 {
			st, err := cache.ParseStage(args[0])
			if err != nil {
				return err
			}
			stage = st
		}
		n, err := store.Invalidate(cmd.Context(), stage)
		if err != nil {
			return err
		}
		appLog.Info("cache invalidated", "stage", string(stage), "removed", n)
		return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run scheduled cache cleanup until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if memo == nil {
			return errCacheDisabled
		}
		return runMaintenance(cmd.Context(), conf.Cache.CleanupCron, conf.MaxEntryAge())
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheCleanupCmd, cacheInvalidateCmd)
}

// runMaintenance cleans the cache once, then on every tick of spec, until
// ctx is canceled.
func runMaintenance(ctx context.Context, spec string, maxAge time.Duration) error {
	cleanup := func() {
		if _, err := memo.Cleanup(ctx, maxAge); err != nil {
			appLog.Error("scheduled cache cleanup failed", err)
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, cleanup); err != nil {
		return err
	}

	appLog.Info("cache maintenance started", "cron", spec, "max_age", maxAge.String())
	cleanup()
	c.Start()

	<-ctx.Done()

	// Wait for a running cleanup to finish before the store is closed.
	<-c.Stop().Done()
	appLog.Info("cache maintenance stopped")
	return nil
}
