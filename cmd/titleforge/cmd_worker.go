package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/queue"
	"github.com/rongwang/titleforge/internal/worker"
	"github.com/spf13/cobra"
)

// workerCmd runs the reference worker
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the reference worker",
	Long: `Consume tasks, report RUNNING, compute text metrics as the result and
report COMPLETED on the results topic. Generator failures are reported as
CANCELED; malformed tasks are logged and skipped.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()

	publisher := queue.NewPublisher(queue.PublisherConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.ResultsTopic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
	}, logger, m)
	defer publisher.Close()

	runner := worker.NewRunner(worker.TextMetrics{}, publisher, logger)

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.TasksTopic,
		GroupID:     cfg.Kafka.WorkerGroupID,
		MaxAttempts: cfg.Kafka.MaxAttempts,
	}, runner.Handler(), logger, queue.WithConsumerMetrics(m))
	defer consumer.Close()

	logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.TasksTopic).Msg("starting worker")
	return consumer.Run(ctx)
}
