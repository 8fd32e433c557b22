package controller

import (
	"context"
	"net/http"
	"time"

	"homeservice-realtime/data-models/common"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

// Probe 單一基礎設施的健康檢查
type Probe struct {
	Service   string
	Component string
	// Required 為 false 時失敗不影響 ready（例如 RabbitMQ 可退回本機隊列）
	Required bool
	Check    func(ctx context.Context) (latencyMs float64, err error)
}

// ProbeResult 檢查結果
type ProbeResult struct {
	Component string  `json:"component" example:"mongodb"`
	Status    string  `json:"status" example:"healthy"`
	Latency   float64 `json:"latency" example:"1.23" doc:"毫秒"`
	Required  bool    `json:"required"`
	Message   string  `json:"message,omitempty"`
	service   string
}

// HealthStatus 服務狀態
type HealthStatus struct {
	Status  string        `json:"status" example:"ok"`
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime,omitempty"`
	Checks  []ProbeResult `json:"checks,omitempty"`
}

type HealthResponse struct {
	Body common.APIResponse[HealthStatus] `json:"body"`
}

type HealthController struct {
	logger    zerolog.Logger
	name      string
	version   string
	startedAt time.Time
	probes    []Probe
}

func NewHealthController(logger zerolog.Logger, name, version string, probes ...Probe) *HealthController {
	return &HealthController{
		logger:    logger.With().Str("module", "health_controller").Logger(),
		name:      name,
		version:   version,
		startedAt: time.Now(),
		probes:    probes,
	}
}

// RunProbes 執行所有檢查，回傳結果與是否全部必要項目正常
func (hc *HealthController) RunProbes(ctx context.Context) ([]ProbeResult, bool) {
	ready := true
	results := make([]ProbeResult, 0, len(hc.probes))
	for _, probe := range hc.probes {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		latency, err := probe.Check(checkCtx)
		cancel()

		r := ProbeResult{
			Component: probe.Component,
			Status:    "healthy",
			Latency:   latency,
			Required:  probe.Required,
			service:   probe.Service,
		}
		if err != nil {
			r.Status = "unhealthy"
			r.Message = err.Error()
			if probe.Required {
				ready = false
			}
		}
		results = append(results, r)
	}
	return results, ready
}

// ReportProbes 將檢查結果交給 report（用於定期更新 metrics）
func (hc *HealthController) ReportProbes(ctx context.Context, report func(service, component string, healthy bool, latencyMs float64)) {
	results, _ := hc.RunProbes(ctx)
	for _, r := range results {
		report(r.service, r.Component, r.Status == "healthy", r.Latency)
	}
}

func (hc *HealthController) status(status string) *HealthStatus {
	return &HealthStatus{
		Status:  status,
		Name:    hc.name,
		Version: hc.version,
		Uptime:  time.Since(hc.startedAt).Truncate(time.Second).String(),
	}
}

func (hc *HealthController) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "健康檢查",
		Description: "回傳服務與各基礎設施的狀態，不影響 HTTP 狀態碼",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *struct{}) (*HealthResponse, error) {
		checks, ready := hc.RunProbes(ctx)
		status := hc.status("ok")
		if !ready {
			status.Status = "degraded"
		}
		status.Checks = checks
		return &HealthResponse{Body: *common.SuccessResponse("服務運行中", status)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health-live",
		Method:      http.MethodGet,
		Path:        "/health/live",
		Summary:     "存活檢查",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: *common.SuccessResponse("服務運行中", hc.status("ok"))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "就緒檢查",
		Description: "必要的基礎設施（MongoDB）不可用時回傳 503",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *struct{}) (*HealthResponse, error) {
		checks, ready := hc.RunProbes(ctx)
		if !ready {
			for _, c := range checks {
				if c.Status != "healthy" {
					hc.logger.Warn().Str("component", c.Component).Str("error", c.Message).Msg("就緒檢查失敗")
				}
			}
			return nil, huma.Error503ServiceUnavailable("服務尚未就緒")
		}
		status := hc.status("ready")
		status.Checks = checks
		return &HealthResponse{Body: *common.SuccessResponse("服務已就緒", status)}, nil
	})
}
