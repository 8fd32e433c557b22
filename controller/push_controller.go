package controller

import (
	"context"
	"net/http"

	"homeservice-realtime/auth"
	"homeservice-realtime/data-models/common"
	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/infra"
	"homeservice-realtime/middleware"
	"homeservice-realtime/model"
	"homeservice-realtime/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type PushController struct {
	logger           zerolog.Logger
	pushTokenService *service.PushTokenService
	authMiddleware   *middleware.ActorAuthMiddleware
}

func NewPushController(logger zerolog.Logger, pushTokenService *service.PushTokenService, authMiddleware *middleware.ActorAuthMiddleware) *PushController {
	return &PushController{
		logger:           logger.With().Str("module", "push_controller").Logger(),
		pushTokenService: pushTokenService,
		authMiddleware:   authMiddleware,
	}
}

func (c *PushController) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-push-token",
		Method:      http.MethodPut,
		Path:        "/api/v1/push-token",
		Summary:     "同步推播 token",
		Description: "Expo token、FCM token，或師傅的手機號碼（E.164，用於簡訊接單通知）",
		Tags:        []string{"push"},
		Security:    []map[string][]string{{"BearerAuth": {}}},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth()},
	}, func(ctx context.Context, input *pushModels.SyncTokenInput) (*pushModels.SyncTokenResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		var provider model.PushProvider
		err = infra.WithSpan(ctx, "push_controller_sync_token", func(ctx context.Context, span trace.Span) error {
			var syncErr error
			provider, syncErr = c.pushTokenService.Sync(ctx, p, input.Body)
			if syncErr != nil {
				infra.SetAttributes(span, infra.AttrErrorType(errorType(syncErr)))
				return syncErr
			}
			infra.SetAttributes(span, infra.AttrString("push.provider", string(provider)))
			return nil
		}, infra.AttrParticipant(p.Key()))
		if err != nil {
			return nil, toHTTPError(err, "同步推播 token 失敗")
		}
		result := &pushModels.SyncTokenResult{Provider: string(provider)}
		return &pushModels.SyncTokenResponse{Body: *common.SuccessResponse("推播 token 已同步", result)}, nil
	})
}
