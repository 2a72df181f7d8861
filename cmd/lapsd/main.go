// lapsd is the pathfinding backend daemon: it serves the HTTP API,
// supervises module containers and dispatches jobs through redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/config"
	"github.com/lapsproject/laps/internal/jobs"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/maps"
	"github.com/lapsproject/laps/internal/metrics"
	"github.com/lapsproject/laps/internal/modules"
	"github.com/lapsproject/laps/internal/server"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lapsd",
		Short:         "Pathfinding job backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml")

	root.AddCommand(&cobra.Command{
		Use:   "hash-password <password>",
		Short: "Derive an admin.password_hash value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := server.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	return root
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cleanup, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()
	log := logging.Component("lapsd")
	log.WithField("version", version).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	bk, err := broker.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer bk.Close()
	bk.OnError = collector.RecordBrokerError

	rt, err := modules.ConnectDocker(ctx, cfg.Docker)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer rt.Close()

	dispatcher := jobs.NewDispatcher(bk, collector, cfg.Jobs.TTL, cfg.Jobs.MaxWait)

	manager := modules.NewManager(rt, bk, dispatcher, modules.SupervisorConfig{
		ImagePrefix:   cfg.Docker.ImagePrefix,
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		JobTTL:        cfg.Jobs.TTL,
		StartTimeout:  cfg.Jobs.StartTimeout,
		ProbeInterval: cfg.Jobs.ProbeInterval,
		RestartTries:  cfg.Jobs.RestartMaxTries,
	}, collector)
	defer manager.Close()

	if err := manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling modules: %w", err)
	}

	srv := server.New(server.Options{
		Config:  cfg,
		Broker:  bk,
		Maps:    maps.NewStore(bk, cfg.Maps.MaxPixels),
		Modules: manager,
		Jobs:    dispatcher,
		Runtime: rt,
	})

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("shut down cleanly")
	return nil
}
