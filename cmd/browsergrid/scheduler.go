// SPDX-License-Identifier: MIT

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/scheduler"
)

func newSchedulerCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "assigns created sessions to a matching orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := root.connect()
			if err != nil {
				return err
			}
			defer b.Close()

			s := scheduler.New(b)
			s.Timeout = timeout
			return runServices(cmd.Context(), root, []harness.Job{s.Job()})
		},
	}

	cmd.Flags().DurationVar(&timeout, "scheduling-timeout", time.Minute, "match round timeout")
	return cmd
}
