package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/audit"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/config"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
)

// runBootstrapCommand stores the provisioning credential. It is the one
// write path for the credential file; the daemon itself only reads.
func runBootstrapCommand(args []string) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	deviceID := fs.String("device-id", "", "device identity issued at provisioning")
	deviceKey := fs.String("device-key", "", "device secret issued at provisioning")
	force := fs.Bool("force", false, "overwrite an existing credential")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *deviceID == "" || *deviceKey == "" {
		fmt.Fprintln(os.Stderr, "usage: adherenced bootstrap --device-id <id> --device-key <key> [--force]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	creds := credential.NewMachineStore(cfg.HomeDir)
	if _, exists, err := creds.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "credential check: %v\n", err)
		return 1
	} else if exists && !*force {
		fmt.Fprintln(os.Stderr, "device already registered; pass --force to replace the credential")
		return 1
	}

	if err := creds.Save(credential.Credential{DeviceID: *deviceID, DeviceKey: *deviceKey}); err != nil {
		fmt.Fprintf(os.Stderr, "save credential: %v\n", err)
		return 1
	}
	audit.Record(audit.ActionCredentialSaved, "device "+*deviceID)
	fmt.Printf("registered device %s\n", *deviceID)
	return 0
}
