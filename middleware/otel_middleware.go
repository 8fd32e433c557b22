package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"homeservice-realtime/auth"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

type OtelConfig struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string
	Enabled         bool
	MetricsEnabled  bool
	TracesEnabled   bool
	DevelopmentMode bool // 開發模式使用 stdout，生產模式使用 OTLP
}

var (
	tracer          trace.Tracer
	meter           metric.Meter
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
	// otelRegistry 與 promRegistry 分開，避免同名指標衝突
	otelRegistry *prometheus.Registry
)

// InitOpenTelemetry 初始化 traces 與 metrics，回傳清理函數
func InitOpenTelemetry(config OtelConfig, logger zerolog.Logger) (func(), error) {
	if !config.Enabled {
		return func() {}, nil
	}

	ctx := context.Background()
	var shutdownFuncs []func(context.Context) error

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(config.Environment),
		semconv.ServiceNamespaceKey.String("homeservice"),
		semconv.ServiceInstanceIDKey.String(fmt.Sprintf("%s-%d", config.ServiceName, time.Now().Unix())),
	)

	if config.TracesEnabled {
		traceShutdown, err := setupTraceProvider(ctx, res, config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to setup trace provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, traceShutdown)
		tracer = otel.Tracer(config.ServiceName)
	}

	if config.MetricsEnabled {
		metricShutdown, err := setupMeterProvider(ctx, res, config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to setup meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, metricShutdown)
		meter = otel.Meter(config.ServiceName)
		if err := initializeMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("service", config.ServiceName).
		Str("version", config.ServiceVersion).
		Str("environment", config.Environment).
		Str("otlp_endpoint", config.OTLPEndpoint).
		Bool("traces_enabled", config.TracesEnabled).
		Bool("metrics_enabled", config.MetricsEnabled).
		Bool("development_mode", config.DevelopmentMode).
		Msg("OpenTelemetry 初始化成功")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, shutdown := range shutdownFuncs {
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("OpenTelemetry 關閉時發生錯誤")
			}
		}
		logger.Info().Msg("OpenTelemetry 清理完成")
	}, nil
}

// OpenTelemetryMiddleware 每個 API 請求建立 span 並記錄 metrics
func OpenTelemetryMiddleware(config OtelConfig, logger zerolog.Logger) func(huma.Context, func(huma.Context)) {
	if !config.Enabled {
		return func(ctx huma.Context, next func(huma.Context)) {
			next(ctx)
		}
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		startTime := time.Now()

		carrier := &HeaderCarrier{ctx: ctx}
		parentCtx := otel.GetTextMapPropagator().Extract(ctx.Context(), carrier)

		route := ctx.URL().Path
		if op := ctx.Operation(); op != nil {
			route = op.Path
		}
		spanName := fmt.Sprintf("%s %s", ctx.Method(), route)

		var span trace.Span
		spanCtx := parentCtx
		if config.TracesEnabled && tracer != nil {
			spanCtx, span = tracer.Start(parentCtx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(ctx.Method()),
					semconv.HTTPRouteKey.String(route),
					semconv.HTTPUserAgentKey.String(ctx.Header("User-Agent")),
					attribute.String("net.peer.ip", ctx.RemoteAddr()),
				),
			)
			defer span.End()
			ctx = huma.WithContext(ctx, spanCtx)
		}

		requestID := ctx.Header("X-Request-ID")
		if requestID == "" && span != nil {
			requestID = fmt.Sprintf("req_%s", span.SpanContext().TraceID().String()[:8])
		}
		if span != nil {
			ctx.SetHeader("X-Request-ID", requestID)
			ctx.SetHeader("X-Trace-ID", span.SpanContext().TraceID().String())
			otel.GetTextMapPropagator().Inject(spanCtx, carrier)
		}

		routeAttrs := metric.WithAttributes(
			attribute.String("method", ctx.Method()),
			attribute.String("route", route),
		)
		if activeRequests != nil {
			activeRequests.Add(spanCtx, 1, routeAttrs)
		}

		next(ctx)

		duration := time.Since(startTime)
		statusCode := ctx.Status()
		durationMs := float64(duration.Nanoseconds()) / 1e6

		if config.MetricsEnabled {
			metricAttrs := metric.WithAttributes(
				attribute.String("method", ctx.Method()),
				attribute.String("route", route),
				attribute.Int("status_code", statusCode),
				attribute.String("status_class", fmt.Sprintf("%dxx", statusCode/100)),
			)
			if requestCounter != nil {
				requestCounter.Add(spanCtx, 1, metricAttrs)
			}
			if requestDuration != nil {
				requestDuration.Record(spanCtx, duration.Seconds(), metricAttrs)
			}
			if activeRequests != nil {
				activeRequests.Add(spanCtx, -1, routeAttrs)
			}
		}

		if span != nil {
			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(statusCode),
				attribute.Float64("http.request.duration_ms", durationMs),
				attribute.String("http.request_id", requestID),
			)
			// 驗證中介層放進 context 的參與者
			if p, err := auth.GetParticipantFromContext(ctx.Context()); err == nil {
				span.SetAttributes(attribute.String("participant", p.Key()))
			}
			if statusCode >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
			} else if statusCode >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("Client Error %d", statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}

		var logEvent *zerolog.Event
		switch {
		case statusCode >= 500:
			logEvent = logger.Error()
		case statusCode >= 400:
			logEvent = logger.Warn()
		default:
			logEvent = logger.Info()
		}
		if span != nil {
			logEvent = logEvent.Str("trace_id", span.SpanContext().TraceID().String())
		}
		logEvent.
			Str("request_id", requestID).
			Str("method", ctx.Method()).
			Str("path", ctx.URL().Path).
			Int("status_code", statusCode).
			Float64("duration_ms", durationMs).
			Str("remote_addr", ctx.RemoteAddr()).
			Msg("HTTP request completed")
	}
}

func setupTraceProvider(ctx context.Context, res *resource.Resource, config OtelConfig, logger zerolog.Logger) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error

	if config.DevelopmentMode {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		logger.Info().Msg("使用 stdout trace exporter（開發模式）")
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		logger.Info().Str("endpoint", config.OTLPEndpoint).Msg("使用 OTLP gRPC trace exporter")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func setupMeterProvider(ctx context.Context, res *resource.Resource, config OtelConfig, logger zerolog.Logger) (func(context.Context) error, error) {
	otelRegistry = prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(otelRegistry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	readers := []sdkmetric.Reader{promExporter}

	if config.DevelopmentMode {
		stdoutExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(stdoutExporter, sdkmetric.WithInterval(30*time.Second)))
	} else {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("無法建立 OTLP metric exporter，只使用 Prometheus")
		} else {
			readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(30*time.Second)))
		}
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func initializeMetrics() error {
	var err error

	requestCounter, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	requestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	activeRequests, err = meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("Number of active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active requests counter: %w", err)
	}
	return nil
}

// GetPrometheusHandler OpenTelemetry metrics 的 Prometheus handler
func GetPrometheusHandler() http.Handler {
	if otelRegistry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("OpenTelemetry metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(otelRegistry, promhttp.HandlerOpts{})
}

// HeaderCarrier 實作 propagation.TextMapCarrier
type HeaderCarrier struct {
	ctx huma.Context
}

func (h *HeaderCarrier) Get(key string) string {
	return h.ctx.Header(key)
}

func (h *HeaderCarrier) Set(key, value string) {
	h.ctx.SetHeader(key, value)
}

// Keys huma.Context 無法列出所有 header，extract 不需要
func (h *HeaderCarrier) Keys() []string {
	return []string{}
}
