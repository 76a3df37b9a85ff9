package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/internal/app"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"google.golang.org/grpc"
)

var tracer = otel.Tracer("server")

// Telemetry holds the process wide trace and metric providers.
type Telemetry struct {
	TraceProvider  *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider interface{ Shutdown(context.Context) error }
}

// NewTelemetry wires jaeger tracing and OTLP metrics and installs both as the
// otel globals so otelfiber and the package tracers pick them up.
func NewTelemetry(ctx context.Context, cfg *config.Config) (*Telemetry, error) {
	traceExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize jaeger exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OtlpEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithDialOption(grpc.WithUserAgent(cfg.ServerName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServerName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(provider)

	return &Telemetry{TraceProvider: tp, MeterProvider: provider}, nil
}

// Shutdown flushes every provider, continuing past individual failures.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.TraceProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider: %w", err))
	}
	if err := t.MeterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metric provider: %w", err))
	}
	if t.LoggerProvider != nil {
		if err := t.LoggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Server is the ops HTTP surface over the application components.
type Server struct {
	cfg    *config.Config
	app    *fiber.App
	core   *app.App
	logger *slog.Logger
}

func New(cfg *config.Config, core *app.App, meter api.Meter) (*Server, error) {
	metrics, err := newHTTPMetrics(meter)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		app:    fiber.New(cfg.Fiber()),
		core:   core,
		logger: core.Logger.With("component", "http_handler"),
	}

	if cfg.AdminToken == "" {
		s.logger.Warn("SBT_ADMIN_TOKEN is not set, the /v1 ops API rejects every request")
	}

	initGlobalMiddlewares(s.app, cfg, core.Logger)
	s.registerHttpRoutes(metrics)
	return s, nil
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("Starting HTTP server", slog.String("address", s.cfg.ServerAddress))
	return s.app.Listen(s.cfg.ServerAddress)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber instance for in-process requests.
func (s *Server) App() *fiber.App {
	return s.app
}
