package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	"episodedl/internal/config"
)

var watchCronExpr string

var watchCmd = &cobra.Command{
	Use:   "watch <series-url> <selector>",
	Short: "Re-run the download on a cron schedule, picking up new episodes",
	Long: "Runs the download workflow periodically. Completed episodes are " +
		"cache hits, so each trigger only does work for newly published ones.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context(), args[0], args[1])
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchCronExpr, "cron", "", "cron expression (default from env)")
	watchCmd.Flags().AddFlagSet(downloadCmd.Flags())
}

func runWatch(ctx context.Context, seriesURL, selectorArg string) error {
	logger := newLogger()

	cfg, err := config.NewFromEnv()
	if err != nil {
		return err
	}
	expr := cfg.Watch.CronExpr
	if watchCronExpr != "" {
		expr = watchCronExpr
	}

	// Overlapping triggers collapse into the run already in flight; a slow
	// season download is never stacked on top of itself.
	var group singleflight.Group
	trigger := func() {
		_, _, _ = group.Do("download", func() (any, error) {
			if err := runDownload(ctx, seriesURL, selectorArg); err != nil {
				logger.Error("scheduled download failed: %v", err)
			}
			return nil, nil
		})
	}

	c := cron.New()
	if _, err := c.AddFunc(expr, trigger); err != nil {
		return err
	}
	logger.Info("watching %s on schedule %q", seriesURL, expr)
	c.Start()
	defer c.Stop()

	// First run immediately; later runs come from the schedule.
	go trigger()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("received %s, stopping watch", sig)
		return nil
	}
}
