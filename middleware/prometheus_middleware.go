package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpRequestsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_active",
			Help: "Number of active HTTP requests",
		},
		[]string{"method", "route"},
	)

	websocketFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_frames_total",
			Help: "Total number of WebSocket frames by direction and event",
		},
		[]string{"direction", "event"},
	)

	websocketConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_total",
			Help: "Total number of active WebSocket connections",
		},
		[]string{"role"},
	)

	websocketRoomsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_rooms_total",
			Help: "Number of rooms with at least one local member",
		},
	)

	onlineParticipantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "online_participants_total",
			Help: "Participants seen online across all instances",
		},
	)

	infraHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infrastructure_health_status",
			Help: "Health status of infrastructure components (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "component"},
	)

	infraConnectionLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infrastructure_connection_latency_ms",
			Help: "Connection latency to infrastructure components in milliseconds",
		},
		[]string{"service", "component"},
	)

	promRegistry *prometheus.Registry
)

// InitPrometheusMetrics 初始化 Prometheus metrics
func InitPrometheusMetrics(logger zerolog.Logger) error {
	registry := prometheus.NewRegistry()

	collectorsByName := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"http_requests_total", httpRequestsTotal},
		{"http_request_duration_seconds", httpRequestDurationSeconds},
		{"http_requests_active", httpRequestsActive},
		{"websocket_frames_total", websocketFramesTotal},
		{"websocket_connections_total", websocketConnectionsTotal},
		{"websocket_rooms_total", websocketRoomsTotal},
		{"online_participants_total", onlineParticipantsTotal},
		{"infrastructure_health_status", infraHealthStatus},
		{"infrastructure_connection_latency_ms", infraConnectionLatency},
	}
	for _, c := range collectorsByName {
		if err := registry.Register(c.collector); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	promRegistry = registry
	logger.Info().Msg("Prometheus metrics 初始化成功")
	return nil
}

// GetStandardPrometheusHandler 返回標準的 Prometheus metrics handler
func GetStandardPrometheusHandler() http.Handler {
	if promRegistry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Prometheus registry not initialized"))
		})
	}

	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}

// GetPrometheusRegistry 返回 Prometheus registry 供其他包使用
func GetPrometheusRegistry() *prometheus.Registry {
	return promRegistry
}

// PrometheusMiddleware HTTP metrics 中間件
func PrometheusMiddleware(logger zerolog.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if promRegistry == nil {
			next(ctx)
			return
		}

		startTime := time.Now()
		method := ctx.Method()
		// 使用路由樣板避免 path 參數造成標籤爆量
		route := ctx.URL().Path
		if op := ctx.Operation(); op != nil {
			route = op.Path
		}

		httpRequestsActive.WithLabelValues(method, route).Inc()
		defer httpRequestsActive.WithLabelValues(method, route).Dec()

		next(ctx)

		duration := time.Since(startTime)
		statusCode := ctx.Status()

		httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())

		logger.Debug().
			Str("method", method).
			Str("route", route).
			Int("status_code", statusCode).
			Float64("duration_seconds", duration.Seconds()).
			Msg("HTTP metrics recorded")
	}
}

// RecordWebSocketFrame 記錄 websocket 收發的訊框
func RecordWebSocketFrame(direction, event string) {
	if promRegistry != nil {
		websocketFramesTotal.WithLabelValues(direction, event).Inc()
	}
}

// UpdateWebSocketConnections 更新 WebSocket 連接統計
func UpdateWebSocketConnections(connectionsByRole map[string]int, rooms int) {
	if promRegistry == nil {
		return
	}

	websocketConnectionsTotal.Reset()
	for role, count := range connectionsByRole {
		websocketConnectionsTotal.WithLabelValues(role).Set(float64(count))
	}
	websocketRoomsTotal.Set(float64(rooms))
}

// UpdateOnlineParticipants 更新在線人數
func UpdateOnlineParticipants(count int64) {
	if promRegistry != nil {
		onlineParticipantsTotal.Set(float64(count))
	}
}

// UpdateInfrastructureHealth 更新基礎設施健康狀態
func UpdateInfrastructureHealth(service, component string, isHealthy bool, latencyMs float64) {
	if promRegistry == nil {
		return
	}

	healthValue := 0.0
	if isHealthy {
		healthValue = 1.0
	}

	infraHealthStatus.WithLabelValues(service, component).Set(healthValue)
	if latencyMs >= 0 {
		infraConnectionLatency.WithLabelValues(service, component).Set(latencyMs)
	}
}
