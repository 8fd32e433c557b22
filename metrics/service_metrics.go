package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceType 定義服務類型
type ServiceType string

const (
	ServiceTypeDispatch ServiceType = "dispatch"
	ServiceTypeChat     ServiceType = "chat"
	ServiceTypePush     ServiceType = "push"
)

// OperationType 定義操作類型
type OperationType string

const (
	OperationOffer       OperationType = "offer"
	OperationAccept      OperationType = "accept"
	OperationReject      OperationType = "reject"
	OperationRetract     OperationType = "retract"
	OperationOpen        OperationType = "open_conversation"
	OperationPostMessage OperationType = "post_message"
	OperationMarkRead    OperationType = "mark_read"
	OperationPushSend    OperationType = "push_send"
)

// OperationStatus 定義操作狀態
type OperationStatus string

const (
	StatusSuccess OperationStatus = "success"
	StatusError   OperationStatus = "error"
	// StatusRejected 業務規則拒絕（例如訂單已被接走）
	StatusRejected OperationStatus = "rejected"
)

// OperationSource 定義操作來源
type OperationSource string

const (
	SourceAPI       OperationSource = "api"
	SourceQueue     OperationSource = "queue"
	SourceWebSocket OperationSource = "websocket"
	SourceSystem    OperationSource = "system"
)

var (
	serviceOperationsTotal   *prometheus.CounterVec
	serviceOperationDuration *prometheus.HistogramVec
	realtimeEventsTotal      *prometheus.CounterVec
	pushDeliveriesTotal      *prometheus.CounterVec
)

// InitServiceMetrics 初始化 Service 層 metrics
func InitServiceMetrics(registry *prometheus.Registry) error {
	serviceOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_operations_total",
			Help: "Total number of service layer operations",
		},
		[]string{"service", "operation", "status", "source"},
	)

	serviceOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "service_operation_duration_seconds",
			Help:    "Duration of service layer operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "operation", "source"},
	)

	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_emitted_total",
			Help: "Total number of realtime events emitted to rooms",
		},
		[]string{"event"},
	)

	pushDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Total number of push notification deliveries by provider and status",
		},
		[]string{"provider", "kind", "status"},
	)

	for _, c := range []prometheus.Collector{serviceOperationsTotal, serviceOperationDuration, realtimeEventsTotal, pushDeliveriesTotal} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordServiceOperation 記錄 Service 層操作 metrics，未初始化時略過
func RecordServiceOperation(service ServiceType, operation OperationType, status OperationStatus, source OperationSource, duration time.Duration) {
	if serviceOperationsTotal != nil && serviceOperationDuration != nil {
		serviceOperationsTotal.WithLabelValues(string(service), string(operation), string(status), string(source)).Inc()
		serviceOperationDuration.WithLabelValues(string(service), string(operation), string(source)).Observe(duration.Seconds())
	}
}

// RecordDispatchOperation 記錄派單操作
func RecordDispatchOperation(operation OperationType, status OperationStatus, source OperationSource, duration time.Duration) {
	RecordServiceOperation(ServiceTypeDispatch, operation, status, source, duration)
}

// RecordChatOperation 記錄聊天操作
func RecordChatOperation(operation OperationType, status OperationStatus, duration time.Duration) {
	RecordServiceOperation(ServiceTypeChat, operation, status, SourceAPI, duration)
}

// RecordRealtimeEvent 記錄送出的房間事件
func RecordRealtimeEvent(event string) {
	if realtimeEventsTotal != nil {
		realtimeEventsTotal.WithLabelValues(event).Inc()
	}
}

// RecordPushDelivery 記錄推播結果
func RecordPushDelivery(provider, kind string, status OperationStatus) {
	if pushDeliveriesTotal != nil {
		pushDeliveriesTotal.WithLabelValues(provider, kind, string(status)).Inc()
	}
}

// StatusFromError 依錯誤決定狀態
func StatusFromError(err error) OperationStatus {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
