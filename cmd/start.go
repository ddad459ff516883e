package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/engine"
	"kestrelvision.io/kestrel/internal/eventbus"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/metrics"
	"kestrelvision.io/kestrel/internal/report"
	"kestrelvision.io/kestrel/internal/sink"
	"kestrelvision.io/kestrel/internal/source"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long:  "Start the kestrel agent in the foreground until SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		log.Init(cfg.Log)
		return runAgent(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runAgent(parent context.Context, cfg *config.Config) error {
	logger := log.GetLogger().WithField("device", cfg.Node.DeviceID)
	logger.Info("kestrel agent starting")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryEventBus(cfg.Events.Partitions, cfg.Events.BufferSize)
	defer bus.Close()

	reporter, err := report.Setup(bus, cfg.Events)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Close()
	}

	src, err := source.New(cfg.Ingest)
	if err != nil {
		return err
	}
	realtimeSink, realtimeAcks, err := sink.New(cfg.Sinks.Realtime)
	if err != nil {
		return err
	}
	offlineSink, offlineAcks, err := sink.New(cfg.Sinks.Offline)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Config:       cfg,
		Source:       src,
		RealtimeSink: realtimeSink,
		RealtimeAcks: realtimeAcks,
		OfflineSink:  offlineSink,
		OfflineAcks:  offlineAcks,
		Bus:          bus,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path); srv != nil {
			srv.Start()
			defer srv.Stop(context.Background())
		}
	}

	if err := src.Start(ctx, eng.PublishCaps); err != nil {
		return err
	}

	err = eng.Run(ctx)
	logger.Info("kestrel agent stopped")
	return err
}
