// Package cli: serve.go implements the "fleetctl serve" command.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/model"
	"github.com/shinji-kodama/fleetctl/internal/server"
)

type serveFlags struct {
	addr    string
	desired int
}

// NewServeCommand creates the "serve" cobra command.
func NewServeCommand() *cobra.Command {
	flags := &serveFlags{desired: -2}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API and keep the fleet at its desired size",
		Long: `Serve the control API and reconcile the fleet on a schedule.

Routes:
  GET  /healthz
  GET  /workers
  POST /scale/up?count=N
  POST /scale/down?count=N&policy=P
  GET  /fleet/desired
  PUT  /fleet/desired?count=N     (negative disables reconciliation)
  GET  /metrics

Examples:
  fleetctl serve --config fleet.yaml
  fleetctl serve --addr :9090 --desired 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().IntVar(&flags.desired, "desired", -2, "Desired fleet size; -1 disables reconciliation (default from config)")
	return cmd
}

func runServe(ctx context.Context, flags *serveFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := server.Config{
		Addr:     a.cfg.Server.Addr,
		CronSpec: a.cfg.Server.ReconcileSpec,
		Desired:  a.cfg.Server.Desired,
	}
	if flags.addr != "" {
		cfg.Addr = flags.addr
	}
	if flags.desired > -2 {
		cfg.Desired = flags.desired
	}

	srv, err := server.New(cfg, a.scaler, a.metrics.Handler(), a.logger)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidConfig, "invalid server configuration", err)
	}

	a.logger.Info("fleetctl serving",
		zap.String("addr", cfg.Addr),
		zap.String("prefix", a.cfg.Worker.Prefix),
		zap.String("ports", a.cfg.Ports.Range().String()))

	if err := srv.Run(ctx); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "server failed", err)
	}
	return nil
}
