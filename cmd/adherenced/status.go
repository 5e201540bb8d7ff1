package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/config"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/shared"
)

// runStatusCommand prints the coarse pipeline state derived from buffer
// counts and credential presence.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: adherenced status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := buffer.Open(cfg.BufferPath(), buffer.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	_, registered, err := credential.NewMachineStore(cfg.HomeDir).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load credential: %v\n", err)
		return 1
	}
	pending, err := store.CountPending(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count pending: %v\n", err)
		return 1
	}
	failed, err := store.CountFailed(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
		return 1
	}

	summary := shared.Summarize(registered, pending, failed)
	fmt.Println(summary.String())
	if summary.Status == shared.StatusError {
		return 1
	}
	return 0
}
