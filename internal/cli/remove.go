// Package cli: remove.go implements the "fleetctl remove" command.
//
// The remove command retires one specific worker: it is deregistered from
// the load balancer, then stopped and deleted. The worker may be named by
// container name, port, or container id (full or at least 12 characters).
//
// By default, the command prompts for confirmation before proceeding.
// The --force flag skips the prompt.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/fleetctl/internal/model"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	// force skips the interactive confirmation prompt when true.
	force bool
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove <name|port|id>",
		Short: "Remove one fleet worker",
		Long: `Deregister one worker from the load balancer and delete its container.

Unless --force is specified, the command prompts for confirmation.

Examples:
  fleetctl remove worker_8003
  fleetctl remove 8003 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")
	return cmd
}

func runRemove(ctx context.Context, ref string, flags *removeFlags) error {
	if !flags.force {
		confirmed, err := promptConfirmation(os.Stdin, ref)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.scaler.Remove(ctx, ref)
	switch {
	case errors.Is(err, model.ErrWorkerNotFound):
		return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("no fleet worker matches %q", ref), err)
	case err != nil:
		return scaleError("remove", err)
	}

	if IsJSONOutput() {
		printJSON(map[string]any{"action": "removed", "worker": w})
	} else {
		fmt.Printf("Removed worker %s (port %d)\n", w.Name, w.Port)
	}
	return nil
}

// promptConfirmation asks the user to confirm removal and reads one line
// from in. Only "y" or "yes" confirm; a closed input counts as no.
func promptConfirmation(in io.Reader, ref string) (bool, error) {
	fmt.Printf("About to deregister and remove fleet worker %q.\n", ref)
	fmt.Print("Continue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, nil
}
