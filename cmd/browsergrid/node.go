// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/browsergrid/browsergrid/internal/node"
	"github.com/browsergrid/browsergrid/internal/orchestrator/provisioner"
)

func newNodeCmd(root *rootOptions) *cobra.Command {
	var (
		id             string
		driverPath     string
		variant        string
		host           string
		port           int
		driverPort     int
		startupTimeout time.Duration
		initialTimeout time.Duration
		idleTimeout    time.Duration
		recordingInput string
		recordingDir   string
		store          storageOptions
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "runs one browser session end to end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" {
				id = os.Getenv(provisioner.EnvSessionID)
			}
			if id == "" {
				return usagef("--id or %s is required", provisioner.EnvSessionID)
			}
			if driverPath == "" {
				return usagef("--driver is required")
			}
			switch node.Variant(variant) {
			case node.VariantChrome, node.VariantFirefox, node.VariantSafari, node.VariantGeneric:
			default:
				return usagef("unknown --variant %q", variant)
			}

			var capabilities json.RawMessage
			if raw := os.Getenv(provisioner.EnvCapabilities); raw != "" {
				capabilities = json.RawMessage(raw)
			}

			b, err := root.connect()
			if err != nil {
				return err
			}
			defer b.Close()

			backend, err := store.open()
			if err != nil {
				return err
			}
			if backend != nil {
				defer backend.Close()
			}

			if host == "" {
				if host, err = os.Hostname(); err != nil {
					return err
				}
			}

			n := node.New(b, backend, node.Config{
				SessionID:       id,
				RawCapabilities: capabilities,
				DriverPath:      driverPath,
				Variant:         node.Variant(variant),
				Host:            host,
				Port:            port,
				DriverPort:      driverPort,
				SlotToken:       os.Getenv(provisioner.EnvSlotToken),
				Orchestrator:    os.Getenv(provisioner.EnvOrchestrator),
				StartupTimeout:  startupTimeout,
				InitialTimeout:  initialTimeout,
				IdleTimeout:     idleTimeout,
				RecordingInput:  recordingInput,
				RecordingDir:    recordingDir,
			})
			return n.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "session id (or "+provisioner.EnvSessionID+")")
	cmd.Flags().StringVar(&driverPath, "driver", "", "WebDriver binary path")
	cmd.Flags().StringVar(&variant, "variant", "generic", "WebDriver variant (chrome|firefox|safari|generic)")
	cmd.Flags().StringVar(&host, "host", "", "host reachable from the ingress (empty = hostname)")
	cmd.Flags().IntVar(&port, "port", 40003, "in-session proxy port")
	cmd.Flags().IntVar(&driverPort, "driver-port", 41000, "WebDriver subprocess port")
	cmd.Flags().DurationVar(&startupTimeout, "startup-timeout", 30*time.Second, "driver health timeout")
	cmd.Flags().DurationVar(&initialTimeout, "initial-timeout", 30*time.Second, "lifetime until the first client request")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 2*time.Minute, "sliding idle lifetime")
	cmd.Flags().StringVar(&recordingInput, "recording-input", "", "capture URL for the recorder (empty disables)")
	cmd.Flags().StringVar(&recordingDir, "recording-dir", "", "recorder working directory")
	addStorageFlags(cmd, &store)
	return cmd
}
