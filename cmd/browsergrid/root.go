// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/storage"
)

// usageError maps to exit code 2.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	logLevel  string
	busURL    string
	probePort int
}

func (o *rootOptions) connect() (bus.Bus, error) {
	return bus.NewRedisBus(bus.RedisConfig{URL: o.busURL})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "browsergrid",
		Short:         "distributed WebDriver grid",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			log.Configure(log.Config{
				Level:   opts.logLevel,
				Service: "browsergrid." + cmd.Name(),
			})
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", envOr("BROWSERGRID_LOG_LEVEL", "info"), "log level (trace..error)")
	pf.StringVar(&opts.busURL, "bus", envOr("BROWSERGRID_BUS", "redis://localhost:6379/0"), "coordination bus URL")
	pf.IntVar(&opts.probePort, "probe-port", 0, "status probe and metrics port (0 disables)")

	root.AddCommand(
		newIngressCmd(opts),
		newSchedulerCmd(opts),
		newOrchestratorCmd(opts),
		newNodeCmd(opts),
		newArchiverCmd(opts),
	)
	return root
}

// runServices supervises jobs until the signal context ends, then
// drains them gracefully.
func runServices(ctx context.Context, opts *rootOptions, jobs []harness.Job) error {
	sched := harness.NewScheduler(ctx)
	for _, job := range jobs {
		sched.Spawn(job)
	}
	if opts.probePort > 0 {
		sched.Spawn(&harness.ProbeJob{Scheduler: sched, Port: opts.probePort})
	}

	<-ctx.Done()
	sched.TerminateAll(10 * time.Second)
	sched.Wait()
	return nil
}

// storageOptions select the artifact blob store backing a service.
type storageOptions struct {
	badgerPath string
	fsDir      string
}

func addStorageFlags(cmd *cobra.Command, o *storageOptions) {
	cmd.Flags().StringVar(&o.badgerPath, "storage-badger", "", "embedded artifact store path")
	cmd.Flags().StringVar(&o.fsDir, "storage-dir", "", "filesystem artifact store directory")
}

// open returns the configured backend, or nil when artifacts are
// disabled.
func (o *storageOptions) open() (storage.Backend, error) {
	switch {
	case o.badgerPath != "" && o.fsDir != "":
		return nil, usagef("--storage-badger and --storage-dir are mutually exclusive")
	case o.badgerPath != "":
		return storage.OpenBadger(o.badgerPath)
	case o.fsDir != "":
		return storage.NewFS(o.fsDir)
	default:
		return nil, nil
	}
}
