package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-scheduler/internal/app"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
)

// runner is the part of *app.App the run command drives.
type runner interface {
	Run(ctx context.Context, seeds []string) error
	Close(ctx context.Context)
}

// newRunner builds the application. It is a variable so tests can swap it.
var newRunner = func(ctx context.Context, cfg config.Config) (runner, error) {
	return app.Build(ctx, cfg)
}

func newRunCmd() *cobra.Command {
	var (
		workers   int
		port      int
		keepAlive bool
	)
	cmd := &cobra.Command{
		Use:   "run [seed URLs...]",
		Short: "Crawl the configured and given seeds until the queue drains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("workers") {
				cfg.Scheduler.WorkerCount = workers
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if keepAlive {
				cfg.Scheduler.ExitWhenIdle = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if len(args) == 0 && len(cfg.Seeds) == 0 && cfg.Scheduler.ExitWhenIdle {
				return errors.New("no seeds: pass URLs or set seeds in the config")
			}

			r, err := newRunner(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer r.Close(context.WithoutCancel(cmd.Context()))

			if err := r.Run(cmd.Context(), args); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run crawl: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "override scheduler.worker_count")
	cmd.Flags().IntVar(&port, "port", 0, "override server.port (0 disables the ops API)")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "keep running after the queue drains")
	return cmd
}
