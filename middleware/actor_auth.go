package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"homeservice-realtime/auth"
	"homeservice-realtime/data-models/common"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

// ActorAuthMiddleware 驗證客戶、師傅與客服的存取 token
type ActorAuthMiddleware struct {
	logger zerolog.Logger
	issuer *auth.TokenIssuer
}

func NewActorAuthMiddleware(logger zerolog.Logger, issuer *auth.TokenIssuer) *ActorAuthMiddleware {
	return &ActorAuthMiddleware{
		logger: logger.With().Str("module", "actor_auth").Logger(),
		issuer: issuer,
	}
}

// BearerToken 取出 Authorization: Bearer 後的 token
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *ActorAuthMiddleware) Auth() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		authHeader := ctx.Header("Authorization")
		if authHeader == "" {
			writeUnauthorized(ctx, "缺少授權標頭", "missing authorization header")
			return
		}

		tokenString, ok := BearerToken(authHeader)
		if !ok {
			writeUnauthorized(ctx, "無效的授權格式", "invalid authorization format")
			return
		}

		claims, err := m.issuer.Validate(tokenString, auth.TokenTypeAccess)
		if err != nil {
			msg := "無效的token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token已過期"
			}
			m.logger.Debug().Err(err).Str("path", ctx.URL().Path).Msg("token 驗證失敗")
			writeUnauthorized(ctx, msg, err.Error())
			return
		}

		participant := claims.Participant()
		ctx = huma.WithContext(ctx, auth.WithParticipant(ctx.Context(), participant))
		next(ctx)
	}
}

func writeUnauthorized(ctx huma.Context, message, detail string) {
	body, _ := json.Marshal(common.ErrorResponse[struct{}](message, detail))
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetStatus(http.StatusUnauthorized)
	ctx.BodyWriter().Write(body)
}
