package controller

import (
	"errors"
	"net/http"
	"strings"

	"homeservice-realtime/auth"
	"homeservice-realtime/service"

	"github.com/danielgtaylor/huma/v2"
)

// APIError 錯誤也使用 APIResponse 的欄位，客戶端只需解析一種格式
type APIError struct {
	status  int
	Success bool   `json:"success" doc:"請求是否成功"`
	Message string `json:"message" doc:"回傳訊息"`
	Detail  string `json:"error,omitempty" doc:"錯誤訊息"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

func (e *APIError) GetStatus() int {
	return e.status
}

// NewAPIError 取代 huma 預設的錯誤格式
func NewAPIError(status int, message string, errs ...error) huma.StatusError {
	details := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			details = append(details, err.Error())
		}
	}
	return &APIError{
		status:  status,
		Message: message,
		Detail:  strings.Join(details, "; "),
	}
}

// UseAPIErrors 讓 huma 的驗證錯誤與 huma.ErrorXXX 都回傳 APIResponse 格式
func UseAPIErrors() {
	huma.NewError = NewAPIError
}

// errorType 記錄在 span 上的錯誤分類
func errorType(err error) string {
	switch {
	case errors.Is(err, service.ErrBookingNotFound):
		return "booking_not_found"
	case errors.Is(err, service.ErrBookingTaken):
		return "booking_taken"
	case errors.Is(err, service.ErrBookingClosed):
		return "booking_closed"
	case errors.Is(err, service.ErrNotOffered):
		return "not_offered"
	case errors.Is(err, service.ErrInvalidPushToken):
		return "invalid_push_token"
	}
	return "internal"
}

// toHTTPError 將服務層的錯誤轉為對應的 HTTP 狀態
func toHTTPError(err error, message string) error {
	switch {
	case errors.Is(err, auth.ErrParticipantNotFound):
		return huma.Error401Unauthorized("無法從token中獲取使用者資訊", err)
	case errors.Is(err, service.ErrBookingNotFound),
		errors.Is(err, service.ErrConversationNotFound):
		return huma.Error404NotFound(message, err)
	case errors.Is(err, service.ErrBookingTaken):
		return huma.Error409Conflict("訂單已被其他師傅接走", err)
	case errors.Is(err, service.ErrBookingClosed):
		return huma.NewError(http.StatusGone, "訂單已取消或過期", err)
	case errors.Is(err, service.ErrNotOffered),
		errors.Is(err, service.ErrRoomForbidden):
		return huma.Error403Forbidden(message, err)
	case errors.Is(err, service.ErrInvalidMessage),
		errors.Is(err, service.ErrInvalidPushToken),
		errors.Is(err, service.ErrNoCandidates):
		return huma.Error400BadRequest(message, err)
	}
	return huma.Error500InternalServerError(message, err)
}
