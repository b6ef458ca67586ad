package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fabrichost/fabric"
	"fabrichost/infra/emulator"
	"fabrichost/internal/completion"
	"fabrichost/internal/metrics"
	"fabrichost/internal/ntp"
	"fabrichost/internal/runtime"
	"fabrichost/internal/telemetry"
	"fabrichost/service"
	"fabrichost/silo"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func runCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register the node service type and serve placements until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, runSettings{
				manifest:       v.GetString("manifest"),
				metricsAddr:    v.GetString("metrics-addr"),
				emulatorBinary: v.GetString("emulator-binary"),
				clockCheck:     v.GetBool("clock-check"),
				exitWithNode:   v.GetBool("exit-with-instance"),
			})
		},
	}
	cmd.Flags().String("manifest", "fabrichost.yaml", "Local platform manifest")
	cmd.Flags().String("metrics-addr", ":9464", "Prometheus metrics listen address; empty disables")
	cmd.Flags().String("emulator-binary", "storage-emulator", "Storage emulator executable")
	cmd.Flags().Bool("clock-check", true, "Check clock skew against NTP before each node start")
	cmd.Flags().Bool("exit-with-instance", true, "Exit when the first instance ends instead of re-placing it")
	return cmd
}

type runSettings struct {
	manifest       string
	metricsAddr    string
	emulatorBinary string
	clockCheck     bool
	exitWithNode   bool
}

func run(ctx context.Context, s runSettings) error {
	shutdownTracing := telemetry.Install()
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Failed to shut down tracing.", "err", err)
		}
	}()

	m, err := fabric.LoadManifest(s.manifest)
	if err != nil {
		return err
	}

	var siloOpts []silo.Option
	if s.clockCheck {
		siloOpts = append(siloOpts, silo.WithClockSkew(ntp.NewChecker()))
	}
	factory := service.NewFactory(
		service.WithHostFactory(runtime.Factory()),
		service.WithStorageEmulator(emulator.New(emulator.WithBinary(s.emulatorBinary))),
		service.WithSiloOptions(siloOpts...),
	)

	platform := fabric.NewLocal(m)
	platform.RegisterServiceType(service.ServiceTypeName, factory)
	slog.Info("Registered service type.", "type", service.ServiceTypeName, "application", m.Application)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return platform.Run(ctx) })
	if s.metricsAddr != "" {
		g.Go(func() error { return metrics.ListenAndServe(ctx, s.metricsAddr) })
	}
	if s.exitWithNode {
		g.Go(func() error { return waitForFactory(ctx, factory) })
	}

	slog.Info("Services running.")
	err = g.Wait()
	slog.Info("Terminating.")
	if errors.Is(err, errInstanceEnded) {
		return nil
	}
	return err
}

// errInstanceEnded stops the group after a clean instance end.
var errInstanceEnded = errors.New("instance ended")

// waitForFactory returns once the first instance has ended.
func waitForFactory(ctx context.Context, f *service.Factory) error {
	o, err := f.Stopped().Wait(ctx)
	switch o {
	case completion.Pending:
		return nil
	case completion.Faulted:
		return fmt.Errorf("instance faulted: %w", err)
	default:
		slog.Info("Instance ended.", "outcome", o.String())
		return errInstanceEnded
	}
}
