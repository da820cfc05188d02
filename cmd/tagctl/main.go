// Command tagctl is the operator CLI for manually triggering a tagging
// run and inspecting jobs discarded as permanent failures.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/apphub-oss/tagging-service/internal/config"
	"github.com/apphub-oss/tagging-service/internal/models"
	"github.com/apphub-oss/tagging-service/internal/queue"
)

func main() {
	root := &cobra.Command{
		Use:   "tagctl",
		Short: "Operate the tagging service queue",
	}
	root.AddCommand(newTriggerCmd(), newDiscardedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <repositoryId>",
		Short: "Manually enqueue a tagging run for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
			defer cancel()

			client, err := redisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.New(client, cfg.QueueDedupPrefix)
			jobID, admitted, err := q.Enqueue(ctx, args[0], queue.Payload{
				RepositoryID: args[0],
				Trigger:      models.TriggerManual,
				Reason:       "manual trigger via tagctl",
			}, queue.Options{
				MaxAttempts:     cfg.QueueMaxAttempts,
				BackoffInitial:  cfg.QueueBackoffInitial,
				RetainCompleted: cfg.QueueRetainCompleted,
				RetainFailed:    cfg.QueueRetainFailed,
			})
			if err != nil {
				return err
			}
			fmt.Printf("jobId=%s admitted=%t\n", jobID, admitted)
			return nil
		},
	}
	return cmd
}

func newDiscardedCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "discarded",
		Short: "List jobs discarded as permanent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
			defer cancel()

			client, err := redisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.New(client, cfg.QueueDedupPrefix)
			ids, err := q.Discarded(ctx, count)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"discarded": ids})
		},
	}
	cmd.Flags().Int64Var(&count, "count", 100, "maximum number of discarded job ids to list")
	return cmd
}

func redisClient(cfg config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}
