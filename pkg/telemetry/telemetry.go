// Package telemetry owns the agent's observability plumbing: the zap
// logger, the OpenTelemetry meter provider backed by a Prometheus exporter,
// and the HTTP endpoint serving metrics and health.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

const serviceName = "hostsentry"

// NewLogger builds the agent logger. Unknown levels fall back to info.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		parsed = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = parsed

	return cfg.Build()
}

// HealthFunc reports per-component health for the /healthz endpoint.
type HealthFunc func() map[string]*domain.HealthStatus

// Telemetry holds the meter provider and the metrics/health HTTP server.
type Telemetry struct {
	logger        *zap.Logger
	meterProvider *sdkmetric.MeterProvider
	registry      *prometheus.Registry
	server        *http.Server
	health        HealthFunc
}

// New wires the OTEL meter provider into a Prometheus registry and starts
// serving it on listenAddr together with /healthz.
func New(ctx context.Context, logger *zap.Logger, agentID, version, listenAddr string, health HealthFunc) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
			attribute.String("agent.id", agentID),
		),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		logger:        logger.Named("telemetry"),
		meterProvider: meterProvider,
		registry:      registry,
		health:        health,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", t.handleHealth)

	t.server = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		t.logger.Info("Telemetry endpoint listening", zap.String("addr", listenAddr))
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Telemetry server failed", zap.Error(err))
		}
	}()

	return t, nil
}

type componentHealth struct {
	State   string `json:"state"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func (t *Telemetry) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := map[string]*domain.HealthStatus{}
	if t.health != nil {
		statuses = t.health()
	}

	body := make(map[string]componentHealth, len(statuses))
	code := http.StatusOK
	for name, status := range statuses {
		ch := componentHealth{
			State:   status.State.String(),
			Message: status.Message,
		}
		if status.Err != nil {
			ch.Error = status.Err.Error()
		}
		if status.State == domain.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		body[name] = ch
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.logger.Warn("Failed to write health response", zap.Error(err))
	}
}

// Shutdown stops the HTTP server and flushes the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs error
	if err := t.server.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("telemetry server shutdown: %w", err))
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errs
}
