package controller

import (
	"context"
	"net/http"

	"homeservice-realtime/auth"
	chatModels "homeservice-realtime/data-models/chat"
	"homeservice-realtime/data-models/common"
	"homeservice-realtime/middleware"
	"homeservice-realtime/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type ChatController struct {
	logger         zerolog.Logger
	chatService    *service.ChatService
	authMiddleware *middleware.ActorAuthMiddleware
}

func NewChatController(logger zerolog.Logger, chatService *service.ChatService, authMiddleware *middleware.ActorAuthMiddleware) *ChatController {
	return &ChatController{
		logger:         logger.With().Str("module", "chat_controller").Logger(),
		chatService:    chatService,
		authMiddleware: authMiddleware,
	}
}

func (cc *ChatController) RegisterRoutes(api huma.API) {
	security := []map[string][]string{{"BearerAuth": {}}}

	huma.Register(api, huma.Operation{
		OperationID:   "open-conversation",
		Method:        http.MethodPost,
		Path:          "/api/v1/conversations",
		Summary:       "開啟對話",
		Description:   "依訂單、工單或師傅與客戶取得對話，不存在時建立，並回傳最近一頁訊息",
		Tags:          []string{"chat"},
		Security:      security,
		DefaultStatus: http.StatusOK,
		Middlewares:   huma.Middlewares{cc.authMiddleware.Auth()},
	}, func(ctx context.Context, input *chatModels.OpenConversationInput) (*chatModels.OpenConversationResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		conv, err := cc.chatService.OpenConversation(ctx, p, input.Body.Ref)
		if err != nil {
			cc.logger.Warn().Err(err).Str("participant", p.Key()).Str("kind", string(input.Body.Ref.Kind)).Msg("開啟對話失敗")
			return nil, toHTTPError(err, "開啟對話失敗")
		}
		return &chatModels.OpenConversationResponse{Body: *common.SuccessResponse("開啟對話成功", conv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/api/v1/conversations/{id}/messages",
		Summary:     "查詢對話訊息",
		Tags:        []string{"chat"},
		Security:    security,
		Middlewares: huma.Middlewares{cc.authMiddleware.Auth()},
	}, func(ctx context.Context, input *chatModels.ListMessagesInput) (*chatModels.ListMessagesResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		page, err := cc.chatService.ListMessages(ctx, p, input.ID, input.Before, input.Limit)
		if err != nil {
			return nil, toHTTPError(err, "查詢訊息失敗")
		}
		return &chatModels.ListMessagesResponse{Body: *common.SuccessResponse("查詢訊息成功", page)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/api/v1/conversations/{id}/messages",
		Summary:       "送出訊息",
		Description:   "相同 tempId 重送時回傳已存的訊息，不會重複建立",
		Tags:          []string{"chat"},
		Security:      security,
		DefaultStatus: http.StatusOK,
		Middlewares:   huma.Middlewares{cc.authMiddleware.Auth()},
	}, func(ctx context.Context, input *chatModels.PostMessageInput) (*chatModels.PostMessageResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		msg, err := cc.chatService.PostMessage(ctx, p, input.ID, input.Body)
		if err != nil {
			return nil, toHTTPError(err, "送出訊息失敗")
		}
		return &chatModels.PostMessageResponse{Body: *common.SuccessResponse("訊息已送出", msg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-read",
		Method:      http.MethodPost,
		Path:        "/api/v1/conversations/{id}/read",
		Summary:     "標記對話已讀",
		Tags:        []string{"chat"},
		Security:    security,
		Middlewares: huma.Middlewares{cc.authMiddleware.Auth()},
	}, func(ctx context.Context, input *chatModels.MarkReadInput) (*chatModels.MarkReadResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		result, err := cc.chatService.MarkRead(ctx, p, input.ID)
		if err != nil {
			return nil, toHTTPError(err, "標記已讀失敗")
		}
		return &chatModels.MarkReadResponse{Body: *common.SuccessResponse("已標記為已讀", result)}, nil
	})
}
