package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/RezaEskandarii/firequeue/app"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newWorkerCommand constructs the `worker` command.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker with the reaper, purger, scheduler, ingress and API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withContainer(cmd, func(c *app.Container) error {
				if err := c.RegisterHandler(notificationJobType, notificationHandler(c.Logger)); err != nil {
					return err
				}
				c.Logger.Info("starting worker",
					zap.String("storage", c.Config.StorageDriver.String()),
					zap.Int("workers", c.Config.WorkerCount))
				if err := c.Run(cmd.Context()); err != nil {
					return err
				}
				if c.Runtime.Abandoned() {
					c.Logger.Warn("some jobs were still running at shutdown; their leases will expire")
				}
				return nil
			})
		},
	}
}

// newEnqueueCommand constructs the `enqueue` command.
func newEnqueueCommand() *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job",
		Example: `  firequeue enqueue --type push_notification_code \
    --payload '{"phoneNumber":"4153518780","message":"This is the code to verify your account"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobType, _ := cmd.Flags().GetString("type")
			payload, _ := cmd.Flags().GetString("payload")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

			return withContainer(cmd, func(c *app.Container) error {
				id, err := c.Enqueue(cmd.Context(), jobType, []byte(payload), maxAttempts)
				if err != nil {
					return err
				}
				if id == "" {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "published to broker")
					return nil
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Notification job created:", id)
				return nil
			})
		},
	}
	enqueueCmd.Flags().StringP("type", "t", notificationJobType, "Job type")
	enqueueCmd.Flags().StringP("payload", "p", "", "Job payload")
	enqueueCmd.Flags().Int("max-attempts", 0, "Attempts before dead-lettering (0 uses FIREQUEUE_MAX_ATTEMPTS)")
	return enqueueCmd
}

// newStatsCommand constructs the `stats` command.
func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts of a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withContainer(cmd, func(c *app.Container) error {
				stats, err := c.Engine.Stats(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "queue:\t%s\n", stats.Queue)
				_, _ = fmt.Fprintf(w, "queued:\t%d\n", stats.Queued)
				_, _ = fmt.Fprintf(w, "leased:\t%d\n", stats.Leased)
				_, _ = fmt.Fprintf(w, "dead_lettered:\t%d\n", stats.DeadLettered)
				_, _ = fmt.Fprintf(w, "completed:\t%d\n", stats.Completed)
				return w.Flush()
			})
		},
	}
}

// newDeadLettersCommand constructs the `dead-letters` command group.
func newDeadLettersCommand() *cobra.Command {
	dlCmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")

			return withContainer(cmd, func(c *app.Container) error {
				result, err := c.Engine.DeadLetters(cmd.Context(), page, pageSize)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tLAST ERROR")
				for _, job := range result.Items {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", job.ID, job.Type, job.Attempts, job.MaxAttempts, job.LastError)
				}
				_, _ = fmt.Fprintf(w, "page %d of %d, %d total\n", result.Page, max(result.TotalPages, 1), result.TotalItems)
				return w.Flush()
			})
		},
	}
	dlCmd.Flags().Int("page", 1, "Page number")
	dlCmd.Flags().Int("page-size", 20, "Jobs per page")

	dlCmd.AddCommand(&cobra.Command{
		Use:   "replay <job-id>",
		Short: "Enqueue a copy of a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(c *app.Container) error {
				id, err := c.Engine.Replay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "replayed as", id)
				return nil
			})
		},
	})
	return dlCmd
}

// newReclaimCommand constructs the `reclaim` command.
func newReclaimCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs with expired leases to the queue once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withContainer(cmd, func(c *app.Container) error {
				n, err := c.Reaper.Tick(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d jobs\n", n)
				return nil
			})
		},
	}
}

// newKVCommand constructs the `kv` command group for raw storage access.
func newKVCommand() *cobra.Command {
	kvCmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write raw storage keys",
	}
	kvCmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value stored under key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withContainer(cmd, func(c *app.Container) error {
					value, err := c.Store.Get(cmd.Context(), args[0])
					if store.IsNotFound(err) {
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), "(nil)")
						return nil
					}
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(value))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store value under key",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withContainer(cmd, func(c *app.Container) error {
					if err := c.Store.Set(cmd.Context(), args[0], []byte(strings.Join(args[1:], " "))); err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Reply: OK")
					return nil
				})
			},
		},
	)
	return kvCmd
}
