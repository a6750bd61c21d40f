package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/dedupkit/config"
	"github.com/vinayprograms/dedupkit/dedup"
	"github.com/vinayprograms/dedupkit/logging"
	"github.com/vinayprograms/dedupkit/metrics"
	"github.com/vinayprograms/dedupkit/shutdown"
	"github.com/vinayprograms/dedupkit/telemetry"
)

func serveCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, root.logger(cfg))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	seq := shutdown.New(shutdown.WithLogger(logger))
	opts := []dedup.Option{dedup.WithLogger(logger)}

	if pc, ok := cfg.Provider(version); ok {
		provider, err := telemetry.InitProvider(ctx, pc)
		if err != nil {
			return err
		}
		seq.AddFunc("tracing", shutdown.PhaseTelemetry, provider.Shutdown)
		opts = append(opts, dedup.WithTracer(provider.Tracer()))
	}

	if cfg.Telemetry.Events.Protocol != "" {
		events, err := telemetry.NewEventExporter(cfg.Telemetry.Events.Protocol, cfg.Telemetry.Events.Endpoint)
		if err != nil {
			return err
		}
		seq.Add("events", shutdown.PhaseTelemetry, shutdown.Closer(events))
		opts = append(opts, dedup.WithEvents(events))
	}

	if cfg.Metrics.Listen != "" {
		collector := metrics.NewCollector(prometheus.NewRegistry())
		srv, err := metrics.Listen(cfg.Metrics.Listen, collector)
		if err != nil {
			_ = seq.Shutdown(context.Background())
			return err
		}
		logger.Info("metrics_listening", map[string]interface{}{"addr": srv.Addr()})
		seq.AddFunc("metrics", shutdown.PhaseEndpoints, srv.Shutdown)
		opts = append(opts, dedup.WithMetrics(collector))
	}

	if cfg.Executor.Command != "" {
		opts = append(opts, dedup.WithExecutor(newCommandExecutor(cfg.Executor, logger)))
	}

	t, err := openTransport(cfg, logger)
	if err != nil {
		_ = seq.Shutdown(context.Background())
		return err
	}
	t.register(seq)

	coord, err := dedup.New(t.bus, cfg.Dedup(), opts...)
	if err != nil {
		_ = seq.Shutdown(context.Background())
		return err
	}
	if err := coord.Start(context.WithoutCancel(ctx)); err != nil {
		_ = seq.Shutdown(context.Background())
		return err
	}
	seq.Add("coordinator", shutdown.PhaseIntake, shutdown.Closer(coord))

	logger.Info("node_started", map[string]interface{}{
		"node":    coord.NodeID(),
		"topic":   cfg.Node.Topic,
		"bus":     cfg.Bus.Kind,
		"passive": cfg.Node.Passive,
	})

	return seq.Run(ctx)
}
