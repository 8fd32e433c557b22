package controller

import (
	"context"
	"net/http"

	"homeservice-realtime/auth"
	authModels "homeservice-realtime/data-models/auth"
	"homeservice-realtime/data-models/common"
	"homeservice-realtime/infra"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type AuthController struct {
	logger zerolog.Logger
	issuer *auth.TokenIssuer
}

func NewAuthController(logger zerolog.Logger, issuer *auth.TokenIssuer) *AuthController {
	return &AuthController{
		logger: logger.With().Str("module", "auth_controller").Logger(),
		issuer: issuer,
	}
}

func (c *AuthController) RegisterRoutes(api huma.API) {
	// 以 refresh token 換發新的一組 token
	huma.Register(api, huma.Operation{
		OperationID: "refresh-token",
		Method:      http.MethodPost,
		Path:        "/api/v1/auth/refresh",
		Summary:     "換發 token",
		Tags:        []string{"auth"},
	}, func(ctx context.Context, input *authModels.RefreshInput) (*authModels.RefreshResponse, error) {
		_, span := infra.StartSpan(ctx, "auth.refresh", infra.AttrOperation("refresh_token"))
		defer span.End()

		claims, err := c.issuer.Validate(input.Body.RefreshToken, auth.TokenTypeRefresh)
		if err != nil {
			infra.RecordError(span, err, "refresh token 驗證失敗")
			c.logger.Info().Err(err).Msg("換發 token 失敗")
			return nil, huma.Error401Unauthorized("登入已失效，請重新登入", err)
		}

		p := claims.Participant()
		access, refresh, expiresAt, err := c.issuer.Issue(p, claims.Name)
		if err != nil {
			infra.RecordError(span, err, "簽發 token 失敗")
			return nil, huma.Error500InternalServerError("簽發 token 失敗", err)
		}

		infra.MarkSuccess(span, infra.AttrParticipant(p.Key()))
		c.logger.Debug().Str("participant", p.Key()).Msg("token 已換發")
		pair := &authModels.TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}
		return &authModels.RefreshResponse{Body: *common.SuccessResponse("換發成功", pair)}, nil
	})
}
