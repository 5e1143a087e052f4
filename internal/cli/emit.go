package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/firewatch/internal/core"
)

func newEmitCmd(opts *rootOptions) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Run the detector and publish alerts and heartbeats",
		Long: `Launch the inference runner, confirm detections over consecutive frames
and publish one alert per confirmation. A heartbeat is published every interval
while no alert is active.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("model") {
				cfg.Runner.ModelFile = model
			}

			pipeline, err := core.New(cfg, core.Deps{})
			if err != nil {
				return fmt.Errorf("failed to create pipeline: %w", err)
			}
			return runEmit(pipeline)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model file (overrides runner.model_file)")
	return cmd
}

func runEmit(pipeline *core.Pipeline) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("pipeline error", "error", runErr)
		}
	}

	shutdownTimeout := pipeline.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return runErr
	}

	slog.Info("firewatch emitter stopped successfully")
	return nil
}
