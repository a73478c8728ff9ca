// SPDX-License-Identifier: MIT

// Command browsergrid is the single binary behind every grid service:
// ingress, scheduler, orchestrator, node and archiver are subcommands
// sharing one bus and one logging setup.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintln(os.Stderr, "usage error:", err)
			return exitUsage
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return exitFatal
	}
	return exitOK
}
