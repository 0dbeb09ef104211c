package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	entracktracing "github.com/gxo-labs/entrack/pkg/entrack/v1/tracing"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"
)

// ExporterConfig overrides the OTEL_* environment. Zero fields fall back to
// the environment, then to the defaults.
type ExporterConfig struct {
	Protocol    string // grpc, http or http/protobuf
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// OtelTracerProvider serves either an SDK provider exporting over OTLP or the
// noop provider when tracing is disabled.
type OtelTracerProvider struct {
	provider    trace.TracerProvider
	sdkProvider *sdktrace.TracerProvider
	log         entracklog.Logger
}

var _ entracktracing.TracerProvider = (*OtelTracerProvider)(nil)

// NewNoOpProvider returns a provider whose spans are never recorded.
func NewNoOpProvider() *OtelTracerProvider {
	return &OtelTracerProvider{provider: noop.NewTracerProvider()}
}

// NewProvider builds an OTLP-exporting provider. OTEL_SDK_DISABLED=true or an
// unusable exporter configuration yields the noop provider rather than an
// error so a tracing outage never blocks the context.
func NewProvider(ctx context.Context, cfg ExporterConfig, log entracklog.Logger) *OtelTracerProvider {
	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		log.Debugf("OpenTelemetry disabled via OTEL_SDK_DISABLED")
		return NewNoOpProvider()
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = otelServiceName()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithProcess(), resource.WithHost(),
	)
	if err != nil {
		log.Warnf("Failed to build OTel resource, using default: %v", err)
		res = resource.Default()
	}

	exporter, err := createExporter(ctx, cfg, log)
	if err != nil {
		log.Warnf("Failed to create OTLP exporter, tracing disabled: %v", err)
		return NewNoOpProvider()
	}

	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	return &OtelTracerProvider{provider: sdkTP, sdkProvider: sdkTP, log: log}
}

func createExporter(ctx context.Context, cfg ExporterConfig, log entracklog.Logger) (sdktrace.SpanExporter, error) {
	protocol := strings.ToLower(firstNonEmpty(cfg.Protocol, os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"), "grpc"))
	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := parseTimeout(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), 10*time.Second)
	gzipped := strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_COMPRESSION"), "gzip")
	insecure := cfg.Insecure || isInsecure(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), os.Getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE"))

	switch protocol {
	case "grpc":
		endpoint = firstNonEmpty(endpoint, defaultGRPCEndpoint)
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithHeaders(headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if gzipped {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		log.Debugf("Configuring OTLP gRPC exporter (endpoint: %s, insecure: %t)", endpoint, insecure)
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		endpoint = firstNonEmpty(endpoint, defaultHTTPEndpoint)
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"), "/v1/traces")),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if gzipped {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		log.Debugf("Configuring OTLP HTTP exporter (endpoint: %s, insecure: %t)", endpoint, insecure)
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p == nil || p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown flushes and stops the SDK provider, which also shuts down the
// batched exporter.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdkProvider == nil {
		return nil
	}
	if err := p.sdkProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}

// IsEffectivelyNoOp reports whether spans are discarded.
func (p *OtelTracerProvider) IsEffectivelyNoOp() bool {
	return p == nil || p.sdkProvider == nil
}

func otelServiceName() string {
	return firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "entrack")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseHeaders reads the comma separated key=value list used by
// OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if key := strings.TrimSpace(kv[0]); key != "" {
			headers[key] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// parseTimeout accepts integer milliseconds or a Go duration string.
func parseTimeout(timeoutStr string, def time.Duration) time.Duration {
	if timeoutStr == "" {
		return def
	}
	if ms, err := strconv.ParseInt(timeoutStr, 10, 64); err == nil {
		if ms < 0 {
			return def
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(timeoutStr); err == nil && d >= 0 {
		return d
	}
	return def
}

func isInsecure(flags ...string) bool {
	for _, flag := range flags {
		if strings.EqualFold(strings.TrimSpace(flag), "true") {
			return true
		}
	}
	return false
}
