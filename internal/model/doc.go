// Package model defines the domain types and value objects for the
// fleetctl worker-fleet manager.
//
// This package contains pure data structures with no external dependencies.
// Workers (ManagedWorker) are transient representations reconstructed from
// the container runtime's live container list at runtime. The runtime is
// the only source of truth for which workers exist.
//
// The package also defines the error taxonomy shared by the scaling core
// (sentinel errors plus UnitError), exit codes (ExitCode) and a custom error
// type (CLIError) that carries exit codes for proper OS process exit handling.
package model
