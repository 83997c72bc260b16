package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/driply/driply/pkg/campaign"
	"github.com/driply/driply/pkg/cmd"
	"github.com/driply/driply/pkg/engine"
	"github.com/driply/driply/pkg/log"
	"github.com/driply/driply/pkg/tracer"
	"github.com/driply/driply/pkg/worker"
)

func main() {
	command := &cli.Command{
		Name:                  "driply-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute campaign runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "delivery-endpoint",
				Usage:   "Delivery provider endpoint URL (captures in memory if empty)",
				Value:   "",
				Sources: cli.EnvVars("DELIVERY_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "delivery-api-key",
				Usage:   "Bearer token for the delivery provider",
				Value:   "",
				Sources: cli.EnvVars("DELIVERY_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for run lifecycle notifications (disabled if empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("driply-worker").With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing Driply Worker")

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				_, err := tracer.NewTracer(ctx, "driply-worker")
				if err != nil {
					logger.ErrorContext(ctx, "Failed to initialize tracing", "error", err)
				}
			}

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "driply-worker", logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			notify := cmd.NewNotifier(ctx, logger, command.String("redis-url"))
			defer func() {
				err := notify.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close notifier", "error", err)
				}
			}()

			dispatcher := cmd.NewDispatcher(ctx, logger, command.String("delivery-endpoint"), command.String("delivery-api-key"))
			campaigns := campaign.NewRepository(persistence.CampaignRepository())
			eng := engine.NewEngine(persistence, dispatcher, notify, logger)

			w := worker.NewWorker(workerID, persistence, campaigns, eng, eventBus, logger)

			err := w.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

			sig := <-signals
			logger.InfoContext(ctx, "Received signal, shutting down", "signal", sig)

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
