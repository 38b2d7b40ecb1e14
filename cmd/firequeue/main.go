package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RezaEskandarii/firequeue/app"
	"github.com/RezaEskandarii/firequeue/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "firequeue",
		Short: "Durable job queue",
		Long: `firequeue runs workers for a durable, lease-based job queue and
offers admin commands against its storage.

Configuration comes from FIREQUEUE_* environment variables, for example
FIREQUEUE_STORAGE=redis and FIREQUEUE_REDIS_ADDR=localhost:6379.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("queue", "q", "", "Queue name (overrides FIREQUEUE_QUEUE)")

	rootCmd.AddCommand(
		newWorkerCommand(),
		newEnqueueCommand(),
		newStatsCommand(),
		newDeadLettersCommand(),
		newReclaimCommand(),
		newKVCommand(),
	)
	return rootCmd
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// withContainer loads the configuration, builds the container, runs fn and
// releases every connection afterwards.
func withContainer(cmd *cobra.Command, fn func(c *app.Container) error) error {
	var opts []config.Option
	if q, _ := cmd.Flags().GetString("queue"); q != "" {
		opts = append(opts, config.WithQueue(q))
	}
	cfg, err := config.FromEnv(opts...)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := app.NewContainer(cmd.Context(), cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close container", zap.Error(err))
		}
	}()
	return fn(c)
}
