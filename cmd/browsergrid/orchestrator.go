// SPDX-License-Identifier: MIT

package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/browsergrid/browsergrid/internal/orchestrator"
	"github.com/browsergrid/browsergrid/internal/orchestrator/provisioner"
)

type orchestratorOptions struct {
	root *rootOptions

	id                string
	permits           int
	images            string
	cleanupInterval   time.Duration
	heartbeatInterval time.Duration
}

// run wires the common orchestrator around the chosen back-end.
func (o *orchestratorOptions) run(cmd *cobra.Command, build func() (provisioner.Provisioner, error)) error {
	if o.permits <= 0 {
		return usagef("--permits must be positive")
	}
	images, err := orchestrator.ParseImageSet(o.images)
	if err != nil {
		return usagef("invalid --images: %v", err)
	}

	b, err := o.root.connect()
	if err != nil {
		return err
	}
	defer b.Close()

	prov, err := build()
	if err != nil {
		return err
	}

	orch := orchestrator.New(b, prov, orchestrator.Config{
		ID:                o.id,
		Permits:           o.permits,
		Images:            images,
		CleanupInterval:   o.cleanupInterval,
		HeartbeatInterval: o.heartbeatInterval,
	})
	return runServices(cmd.Context(), o.root, orch.Jobs())
}

func newOrchestratorCmd(root *rootOptions) *cobra.Command {
	opts := &orchestratorOptions{root: root}

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "manages one host's session capacity and provisioning",
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.id, "id", uuid.NewString(), "orchestrator instance id")
	pf.IntVar(&opts.permits, "permits", 0, "maximum concurrent sessions (required)")
	pf.StringVar(&opts.images, "images", "", `image set, "ref=browser::version,..." (required)`)
	pf.DurationVar(&opts.cleanupInterval, "cleanup-interval", 30*time.Second, "reconciliation interval")
	pf.DurationVar(&opts.heartbeatInterval, "heartbeat-interval", 5*time.Second, "liveness key refresh interval")

	cmd.AddCommand(
		newOrchestratorDockerCmd(opts),
		newOrchestratorK8sCmd(opts),
		newOrchestratorLocalCmd(opts),
	)
	return cmd
}

func newOrchestratorDockerCmd(opts *orchestratorOptions) *cobra.Command {
	var (
		socket    string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "docker",
		Short: "provision nodes as containerd containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func() (provisioner.Provisioner, error) {
				return provisioner.NewContainerd(socket, namespace, opts.id, opts.root.busURL)
			})
		},
	}
	cmd.Flags().StringVar(&socket, "containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	cmd.Flags().StringVar(&namespace, "namespace", "browsergrid", "containerd namespace")
	return cmd
}

func newOrchestratorK8sCmd(opts *orchestratorOptions) *cobra.Command {
	var (
		apiServer string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "k8s",
		Short: "provision nodes as kubernetes pods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func() (provisioner.Provisioner, error) {
				return provisioner.NewKube(apiServer, namespace, opts.id, opts.root.busURL)
			})
		},
	}
	cmd.Flags().StringVar(&apiServer, "api-server", "", "API server URL (empty = in-cluster)")
	cmd.Flags().StringVar(&namespace, "namespace", "browsergrid", "pod namespace")
	return cmd
}

func newOrchestratorLocalCmd(opts *orchestratorOptions) *cobra.Command {
	var driverPath string
	cmd := &cobra.Command{
		Use:   "local",
		Short: "provision nodes as child processes (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if driverPath == "" {
				return usagef("--driver is required")
			}
			var local *provisioner.Local
			err := opts.run(cmd, func() (provisioner.Provisioner, error) {
				var err error
				local, err = provisioner.NewLocal(opts.id, opts.root.busURL, driverPath)
				return local, err
			})
			if local != nil {
				local.Shutdown()
			}
			return err
		},
	}
	cmd.Flags().StringVar(&driverPath, "driver", "", "WebDriver binary handed to spawned nodes")
	return cmd
}
