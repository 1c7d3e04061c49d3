package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/chatops/swadl/pkg/cmd"
	"github.com/chatops/swadl/pkg/engine"
	"github.com/chatops/swadl/pkg/log"
	"github.com/chatops/swadl/pkg/otelhelper"
	"github.com/chatops/swadl/pkg/protocol"
	"github.com/chatops/swadl/pkg/registry"
	transportkafka "github.com/chatops/swadl/pkg/transport/kafka"
	"github.com/chatops/swadl/pkg/versions"
	"github.com/chatops/swadl/pkg/web"
)

const defaultPort = 9091

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the workflow engine and management API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the management API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Storage URL for workflow versions (file://path or redis://host)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Lifecycle event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Chat transport intake (none, kafka)",
				Value:   "none",
				Sources: cli.EnvVars("TRANSPORT_TYPE"),
			},
			&cli.StringFlag{
				Name:    "transport-topic",
				Usage:   "Kafka topic carrying normalized chat events",
				Value:   transportkafka.DefaultTopic,
				Sources: cli.EnvVars("TRANSPORT_TOPIC"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("serve")
	logger.InfoContext(ctx, "Initializing SWADL engine")

	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	tracer := newTracer(ctx, logger)
	reg := registry.Builtin(logger)

	eng := engine.New(logger, newLoggingInvoker(logger), eventBus, tracer)
	defer func() {
		if err := eng.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close engine", "error", err)
		}
	}()

	manager := versions.NewManager(logger, store, reg, eng)
	if err := manager.Restore(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to restore active versions", "error", err)
	}

	if command.String("transport") == "kafka" {
		receiver, err := transportkafka.NewReceiver(eng, logger, transportkafka.Config{
			Topic: command.String("transport-topic"),
		})
		if err != nil {
			return err
		}

		if err := receiver.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := receiver.Stop(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to stop transport receiver", "error", err)
			}
		}()
	}

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	web.NewAPIHandlers(manager, eng, reg).Register(app)

	return app.Listen(":" + strconv.Itoa(int(command.Int("port"))))
}

// newTracer returns an OTLP tracer when an exporter endpoint is
// reachable, a no-op tracer otherwise.
func newTracer(ctx context.Context, logger *slog.Logger) trace.Tracer {
	tracer, err := otelhelper.NewTracer(ctx, "swadl")
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled", "error", err)

		return noop.NewTracerProvider().Tracer("swadl")
	}

	return tracer
}

// newLoggingInvoker is the default activity invoker: it logs each call
// and echoes the parameters back as outputs. Real chat platform
// connectors replace it through protocol.ActivityInvoker.
func newLoggingInvoker(logger *slog.Logger) protocol.ActivityInvoker {
	invokeLogger := logger.With("module", "invoker")

	return protocol.ActivityInvokerFunc(func(ctx context.Context, kind string, params map[string]any) (map[string]any, error) {
		invokeLogger.InfoContext(ctx, "invoking activity", "kind", kind, "params", params)

		return params, nil
	})
}
