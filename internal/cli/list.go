// Package cli: list.go implements the "fleetctl list" command.
//
// The list command shows every container of the fleet as the runtime
// reports it, including stopped leftovers that still hold a port.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/fleetctl/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters workers by runtime status ("running", "exited", ...)
	// or "all".
	status string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fleet workers",
		Long: `List the fleet's worker containers with their port, runtime status and age.

Examples:
  fleetctl list
  fleetctl list --status running
  fleetctl list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "all", "Filter by runtime status (e.g. running, exited) or all")
	return cmd
}

func runList(ctx context.Context, flags *listFlags) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	workers, err := a.scaler.List(ctx)
	if err != nil {
		return scaleError("list", err)
	}
	VerboseLog("Found %d fleet containers", len(workers))

	workers = filterByStatus(workers, flags.status)

	if IsJSONOutput() {
		printJSON(map[string]any{"workers": workers})
		return nil
	}
	printListText(workers, time.Now())
	return nil
}

// filterByStatus keeps workers whose runtime status matches; "all" or
// empty keeps everything.
func filterByStatus(workers []model.ManagedWorker, status string) []model.ManagedWorker {
	if status == "" || status == "all" {
		return workers
	}
	out := make([]model.ManagedWorker, 0, len(workers))
	for _, w := range workers {
		if w.Status == status {
			out = append(out, w)
		}
	}
	return out
}

// printListText outputs the workers as an aligned table:
//
//	NAME              PORT   STATUS    AGE    ID
//	worker_8001       8001   running   2h5m   3f2a9c1b7d4e
func printListText(workers []model.ManagedWorker, now time.Time) {
	if len(workers) == 0 {
		fmt.Println("No fleet workers found.")
		return
	}

	fmt.Printf("%-24s %-6s %-10s %-8s %s\n", "NAME", "PORT", "STATUS", "AGE", "ID")
	for _, w := range workers {
		fmt.Printf("%-24s %-6d %-10s %-8s %s\n", w.Name, w.Port, w.Status, FormatAge(w.CreatedAt, now), ShortID(w.ID))
	}
}

// FormatAge renders how long ago t was, at a precision suited to a table:
//
//	45s, 12m, 3h5m, 2d4h
//
// A zero t renders as "-".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		days := int(d.Hours()) / 24
		return fmt.Sprintf("%dd%dh", days, int(d.Hours())%24)
	}
}

// ShortID truncates a container id to the 12 characters Docker shows.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
