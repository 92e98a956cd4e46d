package fnhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/fnhost/internal/version"
	"pkt.systems/pslog"
)

// telemetry holds what startTelemetry brought up, in start order.
type telemetry struct {
	log   pslog.Logger
	names []string
	stops []func(context.Context) error
}

func (t *telemetry) onShutdown(name string, stop func(context.Context) error) {
	t.names = append(t.names, name)
	t.stops = append(t.stops, stop)
}

// Shutdown stops everything in reverse order and flushes pending spans.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs *multierror.Error
	for i := len(t.stops) - 1; i >= 0; i-- {
		err := t.stops[i](ctx)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			continue
		}
		t.log.Warn("telemetry.stop.failed", "component", t.names[i], "error", err)
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", t.names[i], err))
	}
	t.names, t.stops = nil, nil
	return errs.ErrorOrNil()
}

// otlpEndpoint is a parsed --otlp-endpoint value.
type otlpEndpoint struct {
	grpc      bool
	hostport  string
	path      string
	plaintext bool
}

var otlpSchemes = map[string]otlpEndpoint{
	"grpc":  {grpc: true, hostport: "4317", plaintext: true},
	"grpcs": {grpc: true, hostport: "4317"},
	"http":  {hostport: "4318", plaintext: true},
	"https": {hostport: "4318"},
}

// parseOTLPEndpoint accepts a bare host[:port], which means plaintext gRPC,
// or a grpc, grpcs, http or https URL. Ports default to 4317 for gRPC and
// 4318 for HTTP.
func parseOTLPEndpoint(raw string) (otlpEndpoint, error) {
	if raw == "" {
		return otlpEndpoint{}, errors.New("telemetry: empty otlp endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpEndpoint{}, fmt.Errorf("telemetry: otlp endpoint: %w", err)
	}
	ep, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpEndpoint{}, fmt.Errorf("telemetry: otlp scheme %q not supported", u.Scheme)
	}
	if u.Hostname() == "" {
		return otlpEndpoint{}, errors.New("telemetry: otlp endpoint needs a host")
	}
	port := u.Port()
	if port == "" {
		port = ep.hostport
	}
	ep.hostport = net.JoinHostPort(u.Hostname(), port)
	ep.path = strings.TrimSuffix(u.Path, "/")
	return ep, nil
}

func (ep otlpEndpoint) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if ep.grpc {
		creds := credentials.NewClientTLSFromCert(nil, "")
		if ep.plaintext {
			creds = insecure.NewCredentials()
		}
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(ep.hostport),
			otlptracegrpc.WithTimeout(10*time.Second),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep.hostport), otlptracehttp.WithTimeout(10 * time.Second)}
	if ep.plaintext {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if ep.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(ep.path))
	}
	return otlptracehttp.New(ctx, opts...)
}

var runtimeMetrics struct {
	once sync.Once
	err  error
}

// startTelemetry brings up tracing, the Prometheus endpoint and pprof as
// configured. Nothing configured returns a nil *telemetry, whose Shutdown is
// a no-op.
func startTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetry, error) {
	otlp := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsAddr := strings.TrimSpace(cfg.MetricsListen)
	pprofAddr := strings.TrimSpace(cfg.PprofListen)
	if otlp == "" && metricsAddr == "" && pprofAddr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("fnhost"), semconv.ServiceVersion(version.Current())),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	t := &telemetry{log: logger}
	steps := []struct {
		enabled bool
		start   func() error
	}{
		{otlp != "", func() error { return t.startTracing(ctx, otlp, res) }},
		{metricsAddr != "", func() error { return t.startMetrics(metricsAddr, cfg.EnableProfilingMetrics, res) }},
		{pprofAddr != "", func() error { return t.startPprof(pprofAddr) }},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.start(); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		// The gRPC exporter reports every reconnect attempt.
		if strings.Contains(err.Error(), "waiting for connections to become ready") {
			logger.Debug("telemetry.export.retry", "error", err)
			return
		}
		logger.Warn("telemetry.export.error", "error", err)
	}))
	return t, nil
}

func (t *telemetry) startTracing(ctx context.Context, raw string, res *resource.Resource) error {
	ep, err := parseOTLPEndpoint(raw)
	if err != nil {
		return err
	}
	exp, err := ep.exporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	t.onShutdown("tracer", tp.Shutdown)
	t.log.Info("telemetry.tracing.enabled", "endpoint", ep.hostport, "grpc", ep.grpc, "plaintext", ep.plaintext)
	return nil
}

func (t *telemetry) startMetrics(addr string, runtimeStats bool, res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeStats {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exp, err := otelprometheus.New(opts...)
	if err != nil {
		return fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))
	otel.SetMeterProvider(mp)
	t.onShutdown("meter", mp.Shutdown)
	if runtimeStats {
		runtimeMetrics.once.Do(func() { runtimeMetrics.err = otelruntime.Start(otelruntime.WithMeterProvider(mp)) })
		if runtimeMetrics.err != nil {
			return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetrics.err)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := t.serve("metrics", addr, mux); err != nil {
		return err
	}
	t.log.Info("telemetry.metrics.enabled", "listen", addr, "runtime", runtimeStats)
	return nil
}

func (t *telemetry) startPprof(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if err := t.serve("pprof", addr, mux); err != nil {
		return err
	}
	t.log.Info("telemetry.pprof.enabled", "listen", addr)
	return nil
}

// serve listens synchronously so a bad address fails startup, then serves in
// the background until Shutdown.
func (t *telemetry) serve(name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warn("telemetry.serve.failed", "component", name, "error", err)
		}
	}()
	t.onShutdown(name+" server", srv.Shutdown)
	return nil
}
