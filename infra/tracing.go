package infra

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName = "homeservice-realtime"
)

var globalTracer trace.Tracer

// InitTracer 在 otel provider 設定完成後呼叫
func InitTracer() {
	globalTracer = otel.Tracer(ServiceName)
}

// GetTracer 取得全局 tracer，未初始化時使用目前的全局 provider
func GetTracer() trace.Tracer {
	if globalTracer == nil {
		return otel.Tracer(ServiceName)
	}
	return globalTracer
}

// StartSpan 開始一個新的 span
func StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// AddEvent 向 span 添加事件
func AddEvent(span trace.Span, eventName string, attrs ...attribute.KeyValue) {
	if span != nil {
		span.AddEvent(eventName, trace.WithAttributes(attrs...))
	}
}

// SetAttributes 設置 span 屬性
func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// RecordError 記錄錯誤到 span
func RecordError(span trace.Span, err error, description string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.RecordError(err)
	if description != "" {
		span.SetStatus(codes.Error, description)
	}
	span.SetAttributes(attrs...)
}

// MarkSuccess 標記 span 為成功
func MarkSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attrs...)
}

// WithSpan 在 span 中執行函數
func WithSpan(ctx context.Context, operationName string, fn func(context.Context, trace.Span) error, attrs ...attribute.KeyValue) error {
	ctx, span := StartSpan(ctx, operationName, attrs...)
	defer span.End()

	if err := fn(ctx, span); err != nil {
		RecordError(span, err, "Operation failed")
		return err
	}
	MarkSuccess(span)
	return nil
}

// 常用的屬性建構函數
func AttrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func AttrInt(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

func AttrBool(key string, value bool) attribute.KeyValue {
	return attribute.Bool(key, value)
}

func AttrFloat64(key string, value float64) attribute.KeyValue {
	return attribute.Float64(key, value)
}

// 業務相關的屬性建構函數
func AttrBookingID(id string) attribute.KeyValue {
	return attribute.String("booking.id", id)
}

func AttrWorkerID(id string) attribute.KeyValue {
	return attribute.String("worker.id", id)
}

func AttrParticipant(key string) attribute.KeyValue {
	return attribute.String("participant", key)
}

func AttrRoom(room string) attribute.KeyValue {
	return attribute.String("realtime.room", room)
}

func AttrOperation(operation string) attribute.KeyValue {
	return attribute.String("service.operation", operation)
}

func AttrErrorType(errorType string) attribute.KeyValue {
	return attribute.String("error.type", errorType)
}

// StartDispatchSpan 派單流程的 span
func StartDispatchSpan(ctx context.Context, operation, bookingID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	baseAttrs := []attribute.KeyValue{
		AttrOperation(operation),
		AttrBookingID(bookingID),
	}
	return StartSpan(ctx, "dispatch_"+operation, append(baseAttrs, attrs...)...)
}

// StartChatSpan 聊天流程的 span
func StartChatSpan(ctx context.Context, operation, room string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	baseAttrs := []attribute.KeyValue{
		AttrOperation(operation),
		AttrRoom(room),
	}
	return StartSpan(ctx, "chat_"+operation, append(baseAttrs, attrs...)...)
}

// StartControllerSpan controller 層的 span
func StartControllerSpan(ctx context.Context, controller, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	baseAttrs := []attribute.KeyValue{
		AttrOperation(operation),
	}
	return StartSpan(ctx, controller+"_controller_"+operation, append(baseAttrs, attrs...)...)
}

// RecordOperationError 記錄操作失敗
func RecordOperationError(span trace.Span, err error, description string, attrs ...attribute.KeyValue) {
	baseAttrs := []attribute.KeyValue{
		AttrString("error", err.Error()),
		AttrBool("operation.success", false),
	}
	RecordError(span, err, description, append(baseAttrs, attrs...)...)
	AddEvent(span, "operation_failed", AttrString("error", err.Error()))
}

// RecordOperationSuccess 記錄操作成功
func RecordOperationSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	AddEvent(span, "operation_completed_successfully")
	MarkSuccess(span, append([]attribute.KeyValue{AttrBool("operation.success", true)}, attrs...)...)
}
