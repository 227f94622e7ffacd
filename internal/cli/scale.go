// Package cli: scale.go implements the "fleetctl scale-up" and
// "fleetctl scale-down" commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/fleetctl/internal/fleet"
	"github.com/shinji-kodama/fleetctl/internal/model"
)

// parseCount validates the positional count argument.
func parseCount(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("count must be a positive integer, got %q", arg))
	}
	return n, nil
}

// NewScaleUpCommand creates the "scale-up" cobra command.
func NewScaleUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scale-up <count>",
		Short: "Add workers to the fleet",
		Long: `Add <count> workers to the fleet.

Each worker gets the lowest free port in the configured range, is started,
waits until healthy and is registered with the load balancer. Workers that
fail on the way are removed again. The command reports how many workers
became active; it exits with code 5 when that is fewer than requested.

Examples:
  fleetctl scale-up 3
  fleetctl --config fleet.yaml scale-up 1 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := parseCount(args[0])
			if err != nil {
				return err
			}
			return runScaleUp(cmd.Context(), count)
		},
	}
}

func runScaleUp(ctx context.Context, count int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.scaler.ScaleUp(ctx, count)
	if err != nil {
		return scaleError("scale up", err)
	}

	if IsJSONOutput() {
		printJSON(res)
	} else {
		printScaleUpText(res)
	}
	return scaleUpOutcome(res)
}

// scaleUpOutcome turns a partial result into an exit code. Zero active
// workers with every failure at the same stage gets that stage's code.
func scaleUpOutcome(res *fleet.ScaleUpResult) error {
	if len(res.Workers) >= res.Requested {
		return nil
	}

	msg := fmt.Sprintf("%d of %d workers became active", len(res.Workers), res.Requested)
	if len(res.Workers) == 0 && len(res.Failures) > 0 {
		switch {
		case allFailures(res.Failures, func(e *model.UnitError) bool { return errors.Is(e, model.ErrPortExhausted) }):
			return model.NewCLIError(model.ExitPortExhausted, msg+": no free port in range")
		case allFailures(res.Failures, func(e *model.UnitError) bool { return e.Stage == model.StageRegister }):
			return model.NewCLIError(model.ExitBalancerUnreachable, msg+": balancer did not accept any worker")
		}
	}
	return model.NewCLIError(model.ExitPartialScale, msg)
}

func allFailures(failures []*model.UnitError, pred func(*model.UnitError) bool) bool {
	for _, f := range failures {
		if !pred(f) {
			return false
		}
	}
	return true
}

func printScaleUpText(res *fleet.ScaleUpResult) {
	fmt.Printf("Scaled up: %d of %d workers active\n", len(res.Workers), res.Requested)
	for _, w := range res.Workers {
		fmt.Printf("  + %s (port %d)\n", w.Name, w.Port)
	}
	printFailures(res.Failures)
}

func printFailures(failures []*model.UnitError) {
	for _, f := range failures {
		rolled := ""
		if f.WorkerID != "" && !f.RolledBack {
			rolled = " [container left behind]"
		}
		fmt.Printf("  ! %s%s\n", f.Error(), rolled)
	}
}

type scaleDownFlags struct {
	policy string
}

// NewScaleDownCommand creates the "scale-down" cobra command.
func NewScaleDownCommand() *cobra.Command {
	flags := &scaleDownFlags{}

	cmd := &cobra.Command{
		Use:   "scale-down <count>",
		Short: "Remove workers from the fleet",
		Long: `Remove up to <count> running workers from the fleet.

Each selected worker is deregistered from the load balancer, then stopped
and deleted. Which workers go is decided by --policy:

  newest        most recently created first (default)
  oldest        longest running first
  least-loaded  fewest active balancer connections first

Examples:
  fleetctl scale-down 2
  fleetctl scale-down 1 --policy least-loaded`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := parseCount(args[0])
			if err != nil {
				return err
			}
			// Empty defers to scaling.policy from the configuration.
			var policy fleet.Policy
			if flags.policy != "" {
				policy, err = fleet.ParsePolicy(flags.policy)
				if err != nil {
					return model.WrapCLIError(model.ExitGeneralError, "invalid --policy", err)
				}
			}
			return runScaleDown(cmd.Context(), count, policy)
		},
	}

	cmd.Flags().StringVar(&flags.policy, "policy", "", "Eviction policy: newest, oldest, least-loaded (default from config)")
	return cmd
}

func runScaleDown(ctx context.Context, count int, policy fleet.Policy) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.scaler.ScaleDown(ctx, count, policy)
	if err != nil {
		return scaleError("scale down", err)
	}

	if IsJSONOutput() {
		printJSON(res)
	} else {
		fmt.Printf("Scaled down: removed %d of %d requested (policy %s)\n", len(res.Removed), res.Requested, res.Policy)
		for _, w := range res.Removed {
			fmt.Printf("  - %s (port %d)\n", w.Name, w.Port)
		}
		printFailures(res.Failures)
	}

	if len(res.Failures) > 0 {
		return model.NewCLIError(model.ExitPartialScale,
			fmt.Sprintf("%d workers could not be removed", len(res.Failures)))
	}
	return nil
}
