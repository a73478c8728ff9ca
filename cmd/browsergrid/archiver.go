// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/browsergrid/browsergrid/internal/archive"
)

func newArchiverCmd(root *rootOptions) *cobra.Command {
	var (
		mongoURL   string
		database   string
		stagingTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "projects lifecycle events into the session archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mongoURL == "" {
				return usagef("--mongo is required")
			}

			b, err := root.connect()
			if err != nil {
				return err
			}
			defer b.Close()

			client, err := mongo.Connect(options.Client().ApplyURI(mongoURL))
			if err != nil {
				return err
			}

			store, err := archive.NewMongoStore(cmd.Context(), archive.MongoOptions{
				Client:     client,
				Database:   database,
				StagingTTL: stagingTTL,
			})
			if err != nil {
				_ = client.Disconnect(context.Background())
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = store.Close(closeCtx)
			}()

			collector := archive.NewCollector(b, store)
			return runServices(cmd.Context(), root, collector.Jobs())
		},
	}

	cmd.Flags().StringVar(&mongoURL, "mongo", "", "MongoDB connection URL (required)")
	cmd.Flags().StringVar(&database, "database", "browsergrid", "archive database name")
	cmd.Flags().DurationVar(&stagingTTL, "staging-ttl", 24*time.Hour, "staging record TTL")
	return cmd
}
