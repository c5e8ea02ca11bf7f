package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipproxy/config"
	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/metrics"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/transport"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Long: `Run the proxy until SIGINT or SIGTERM.

Examples:
  sipproxy serve                        # defaults, listen on 0.0.0.0:25060
  sipproxy serve -c sipproxy.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return errtrace.Wrap(err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return errtrace.Wrap(serve(ctx, cfg))
		},
	}
}

// serve runs the proxy described by cfg until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := log.New(cfg.LogOptions())
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer closer.Close()
	log.SetDefault(logger)
	defer log.SetDefault(nil)

	var sinks event.Multi
	if cfg.Events.Log {
		sinks = append(sinks, event.NewLogSink(logger))
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err := event.NewPromSink(reg)
		if err != nil {
			return errtrace.Wrap(err)
		}
		sinks = append(sinks, prom)

		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger)
		if err := srv.Start(); err != nil {
			return errtrace.Wrap(err)
		}
		defer func() {
			if err := srv.Stop(context.WithoutCancel(ctx)); err != nil {
				logger.LogAttrs(ctx, slog.LevelWarn, "failed to stop metrics server", slog.Any("error", err))
			}
		}()
	}
	events := event.NewAsyncSink(sinks, &event.AsyncSinkOptions{Size: cfg.Events.QueueSize, Log: logger})
	defer func() {
		events.Close()
		if n := events.Dropped(); n > 0 {
			logger.LogAttrs(ctx, slog.LevelWarn, "events dropped on full queue", slog.Uint64("count", n))
		}
	}()

	tp, err := transport.Listen(ctx, cfg.Listen, &transport.UDPOptions{Logger: logger})
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer tp.Close()

	opts, err := cfg.ProxyOptions(logger, events)
	if err != nil {
		return errtrace.Wrap(err)
	}
	core, err := proxy.New(tp, opts)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		return errtrace.Wrap(err)
	}
	return nil
}
