package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"call-insights-go/internal/api"
	"call-insights-go/internal/worker"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(configPath *string) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and the lease reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath, !noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only; jobs are processed by another instance")
	return cmd
}

func runServe(ctx context.Context, configPath string, withWorkers bool) error {
	a, err := open(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg
	a.log.WithField("version", Version).Info("starting call-insights: " + describe(a))

	g, gctx := errgroup.WithContext(ctx)
	var wake func()
	if withWorkers {
		runner, err := a.runner(ctx)
		if err != nil {
			return err
		}
		pool := worker.NewPool(a.machine, runner, worker.Options{
			Workers:      cfg.Worker.Count,
			PollInterval: cfg.Worker.PollInterval,
			LeaseTimeout: cfg.Worker.LeaseTimeout,
			MaxAttempts:  cfg.Worker.MaxAttempts,
		}, a.log.Entry)
		wake = pool.Wake

		reaper, err := worker.NewReaper(a.machine, cfg.Worker.LeaseTimeout, cfg.Worker.ReapSchedule, pool.Wake, a.log.Entry)
		if err != nil {
			return err
		}
		// Jobs left behind by a previous crash are resumed straight away.
		reaper.Sweep(ctx)
		reaper.Start()
		defer reaper.Stop()

		g.Go(func() error {
			pool.Run(gctx)
			return nil
		})
	}

	srv := api.New(a.machine, a.store, api.Options{
		UploadDir: cfg.Server.UploadDir,
		APIKey:    cfg.Server.APIKey,
		Wake:      wake,
	}, a.log)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Server.Port))
	})

	err = g.Wait()
	a.log.Info("shutting down")
	return err
}
