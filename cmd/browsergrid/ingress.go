// SPDX-License-Identifier: MIT

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/browsergrid/browsergrid/internal/ingress"
)

func newIngressCmd(root *rootOptions) *cobra.Command {
	var (
		host          string
		port          int
		requestLimit  int
		createTimeout time.Duration
		cacheSize     int
		store         storageOptions
	)

	cmd := &cobra.Command{
		Use:   "ingress",
		Short: "HTTP front door: session creation, proxying, artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			ing := ingress.New(b, backend, ingress.Config{
				Host:          host,
				Port:          port,
				RequestLimit:  requestLimit,
				CreateTimeout: createTimeout,
				CacheSize:     cacheSize,
			})
			return runServices(cmd.Context(), root, ing.Jobs())
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (empty = all interfaces)")
	cmd.Flags().IntVar(&port, "port", 40004, "listen port")
	cmd.Flags().IntVar(&requestLimit, "request-limit", 512, "maximum concurrently parked session creates")
	cmd.Flags().DurationVar(&createTimeout, "create-timeout", 2*time.Minute, "overall session create timeout")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 1000, "discovery endpoint cache size")
	addStorageFlags(cmd, &store)
	return cmd
}
