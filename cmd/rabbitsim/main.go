// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Command rabbitsim runs the broker demo scenarios against the in-memory
// broker and, optionally, mirrors the topology onto a RabbitMQ server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitsim/pkg/adapter"
	"github.com/GwynCerbin/rabbitsim/pkg/config"
	"github.com/GwynCerbin/rabbitsim/pkg/dedup"
	"github.com/GwynCerbin/rabbitsim/pkg/memory"
	"github.com/GwynCerbin/rabbitsim/pkg/metrics"
)

type flags struct {
	config   string
	scenario string
	amqp     bool
}

func main() {
	var f flags

	flag.StringVar(&f.config, "config", "", "path to a YAML config file")
	flag.StringVar(&f.scenario, "scenario", "all", "scenario to run: all, "+strings.Join(scenarioNames(), ", "))
	flag.BoolVar(&f.amqp, "amqp", false, "mirror the topology onto the configured RabbitMQ server")
	flag.Parse()

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg.AMQP.Enabled = cfg.AMQP.Enabled || f.amqp

	selected, err := selectScenarios(f.scenario)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	defer func() { _ = logger.Sync() }()

	zap.ReplaceGlobals(logger)

	fx.New(
		fx.Supply(cfg, logger, selected),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			newMeterReader,
			newMeterProvider,
			newRecorder,
			newBroker,
			newFilter,
		),
		fx.Invoke(
			runBroker,
			mirrorTopology,
			runScenarios,
		),
	).Run()
}

func selectScenarios(name string) ([]scenario, error) {
	if name == "all" {
		return scenarios, nil
	}

	i := slices.IndexFunc(scenarios, func(s scenario) bool { return s.name == name })
	if i < 0 {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}

	return []scenario{scenarios[i]}, nil
}

func newMeterReader() *sdkmetric.ManualReader {
	return sdkmetric.NewManualReader()
}

func newMeterProvider(lc fx.Lifecycle, reader *sdkmetric.ManualReader) *sdkmetric.MeterProvider {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	lc.Append(fx.StopHook(provider.Shutdown))

	return provider
}

func newRecorder(provider *sdkmetric.MeterProvider) (*metrics.Recorder, error) {
	return metrics.New(provider)
}

func newBroker(cfg config.Config, logger *zap.Logger, rec *metrics.Recorder) (*memory.Broker, error) {
	b := memory.New(
		memory.WithLogger(logger.Named("broker")),
		memory.WithMetrics(rec),
		memory.WithSweepInterval(cfg.Broker.SweepInterval),
	)

	if err := b.Apply(cfg.Topology); err != nil {
		return nil, fmt.Errorf("apply topology: %w", err)
	}

	return b, nil
}

func newFilter(cfg config.Config) *dedup.Filter {
	return dedup.New(dedup.WithCapacity(cfg.Broker.DedupCapacity))
}

// runBroker drives expiry and delayed release for the lifetime of the app.
func runBroker(lc fx.Lifecycle, b *memory.Broker, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)

				if err := b.Run(ctx); err != nil {
					logger.Error("broker stopped", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()

			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// mirrorTopology declares the topology on RabbitMQ when AMQP is enabled and
// publishes a probe message to the simple queue.
func mirrorTopology(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) {
	if !cfg.AMQP.Enabled {
		return
	}

	var con *adapter.Con

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error

			con, err = adapter.Dial(&cfg.AMQP.Client, logger.Named("amqp"))
			if err != nil {
				return err
			}

			if err = con.DeclareTopology(cfg.Topology); err != nil {
				return fmt.Errorf("mirror topology: %w", err)
			}

			pub, err := con.CreatePublisher(&adapter.PublisherConfig{RoutingKey: config.SimpleQueue, AppId: "rabbitsim"})
			if err != nil {
				return err
			}

			defer func() {
				if err := pub.Close(); err != nil {
					logger.Warn("close amqp publisher", zap.Error(err))
				}
			}()

			if err = pub.Publish(ctx, probeMessage()); err != nil {
				return fmt.Errorf("publish probe: %w", err)
			}

			logger.Info("topology mirrored", zap.String("host", cfg.AMQP.Host),
				zap.Int("exchanges", len(cfg.Topology.Exchanges)), zap.Int("queues", len(cfg.Topology.Queues)))

			return nil
		},
		OnStop: func(context.Context) error {
			if con == nil {
				return nil
			}

			return con.Close()
		},
	})
}

// runScenarios plays the selected scenarios once the app has started and
// shuts the app down when they finish.
func runScenarios(
	lc fx.Lifecycle,
	sd fx.Shutdowner,
	selected []scenario,
	env scenarioEnv,
	reader *sdkmetric.ManualReader,
) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := 0

				for _, s := range selected {
					log := env.Logger.With(zap.String("scenario", s.name))
					log.Info(s.about)

					if err := s.run(ctx, env.with(log)); err != nil {
						log.Error("scenario failed", zap.Error(err))

						code = 1

						break
					}
				}

				reportCounters(ctx, env.Logger, reader)

				if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
					env.Logger.Error("shutdown", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(context.Context) error {
			cancel()

			return nil
		},
	})
}
