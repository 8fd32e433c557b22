package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"homeservice-realtime/auth"
	authModels "homeservice-realtime/data-models/auth"
	"homeservice-realtime/data-models/common"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/rs/zerolog"
)

func TestToHTTPError(t *testing.T) {
	UseAPIErrors()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"沒有登入資訊", auth.ErrParticipantNotFound, http.StatusUnauthorized},
		{"訂單不存在", service.ErrBookingNotFound, http.StatusNotFound},
		{"對話不存在", fmt.Errorf("查詢: %w", service.ErrConversationNotFound), http.StatusNotFound},
		{"已被接走", service.ErrBookingTaken, http.StatusConflict},
		{"已取消", service.ErrBookingClosed, http.StatusGone},
		{"未推送給此師傅", service.ErrNotOffered, http.StatusForbidden},
		{"無權加入房間", service.ErrRoomForbidden, http.StatusForbidden},
		{"訊息格式錯誤", service.ErrInvalidMessage, http.StatusBadRequest},
		{"token 格式錯誤", service.ErrInvalidPushToken, http.StatusBadRequest},
		{"其他錯誤", errors.New("mongo down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se huma.StatusError
			if !errors.As(toHTTPError(tt.err, "失敗"), &se) {
				t.Fatal("預期 huma.StatusError")
			}
			if se.GetStatus() != tt.status {
				t.Errorf("狀態碼 = %d, 預期 %d", se.GetStatus(), tt.status)
			}
		})
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("接單: %w", service.ErrBookingTaken), "booking_taken"},
		{service.ErrBookingClosed, "booking_closed"},
		{service.ErrNotOffered, "not_offered"},
		{service.ErrBookingNotFound, "booking_not_found"},
		{service.ErrInvalidPushToken, "invalid_push_token"},
		{errors.New("mongo down"), "internal"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %s, 預期 %s", tt.err, got, tt.want)
		}
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	UseAPIErrors()
	_, api := humatest.New(t)
	huma.Register(api, huma.Operation{
		OperationID: "taken",
		Method:      http.MethodPost,
		Path:        "/taken",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		return nil, toHTTPError(service.ErrBookingTaken, "接單失敗")
	})

	resp := api.Post("/taken")
	if resp.Code != http.StatusConflict {
		t.Fatalf("狀態碼 = %d", resp.Code)
	}
	var body common.APIResponse[struct{}]
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析回應失敗: %v", err)
	}
	if body.Success || body.Message == "" || body.Error == "" {
		t.Errorf("錯誤回應格式不正確: %s", resp.Body.String())
	}
}

func TestRefreshToken(t *testing.T) {
	UseAPIErrors()
	issuer := auth.NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	_, api := humatest.New(t)
	NewAuthController(zerolog.Nop(), issuer).RegisterRoutes(api)

	worker := realtime.Participant{Role: realtime.RoleWorker, ID: "w1"}
	access, refresh, _, err := issuer.Issue(worker, "阿明")
	if err != nil {
		t.Fatalf("簽發 token 失敗: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"refresh token", refresh, http.StatusOK},
		{"誤用 access token", access, http.StatusUnauthorized},
		{"亂碼", "not-a-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Post("/api/v1/auth/refresh", authModels.RefreshBody{RefreshToken: tt.token})
			if resp.Code != tt.status {
				t.Fatalf("狀態碼 = %d, 預期 %d: %s", resp.Code, tt.status, resp.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var body common.APIResponse[authModels.TokenPair]
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil || body.Data == nil {
				t.Fatalf("解析回應失敗: %v", err)
			}
			claims, err := issuer.Validate(body.Data.AccessToken, auth.TokenTypeAccess)
			if err != nil {
				t.Fatalf("新的 access token 無效: %v", err)
			}
			if claims.Participant() != worker || claims.Name != "阿明" {
				t.Errorf("token 內容錯誤: %+v", claims)
			}
		})
	}
}

func TestHealthReady(t *testing.T) {
	UseAPIErrors()
	mongoUp := true
	probes := []Probe{
		{
			Service: "database", Component: "mongodb", Required: true,
			Check: func(ctx context.Context) (float64, error) {
				if !mongoUp {
					return 0, errors.New("connection refused")
				}
				return 1.5, nil
			},
		},
		{
			Service: "queue", Component: "rabbitmq",
			Check: func(ctx context.Context) (float64, error) { return 0, errors.New("closed") },
		},
	}
	hc := NewHealthController(zerolog.Nop(), "homeservice-realtime", "test", probes...)
	_, api := humatest.New(t)
	hc.RegisterRoutes(api)

	if resp := api.Get("/health/ready"); resp.Code != http.StatusOK {
		t.Errorf("RabbitMQ 非必要，ready 應為 200, 得到 %d", resp.Code)
	}
	if resp := api.Get("/health/live"); resp.Code != http.StatusOK {
		t.Errorf("live 應為 200, 得到 %d", resp.Code)
	}

	mongoUp = false
	if resp := api.Get("/health/ready"); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("MongoDB 失敗時 ready 應為 503, 得到 %d", resp.Code)
	}
	resp := api.Get("/health")
	var body common.APIResponse[HealthStatus]
	json.Unmarshal(resp.Body.Bytes(), &body)
	if resp.Code != http.StatusOK || body.Data == nil || body.Data.Status != "degraded" || len(body.Data.Checks) != 2 {
		t.Errorf("health 回應錯誤: %d %s", resp.Code, resp.Body.String())
	}

	reported := map[string]bool{}
	hc.ReportProbes(context.Background(), func(service, component string, healthy bool, _ float64) {
		reported[service+"/"+component] = healthy
	})
	if len(reported) != 2 || reported["database/mongodb"] || reported["queue/rabbitmq"] {
		t.Errorf("回報結果錯誤: %v", reported)
	}
}
