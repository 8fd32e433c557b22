package push

import (
	"context"
	"sync"

	pushModels "homeservice-realtime/data-models/push"

	"github.com/rs/zerolog"
)

// TokenAPI 同步 token 的後端呼叫
type TokenAPI interface {
	SyncPushToken(ctx context.Context, body pushModels.SyncTokenBody) error
}

// TokenStore 記錄最後同步成功的 token
type TokenStore interface {
	PushToken() string
	SetPushToken(token string) error
	Authenticated() bool
}

// TokenRegistrar 在 token 變更或登入時同步到後端；失敗只記錄，不自動重試
type TokenRegistrar struct {
	api      TokenAPI
	store    TokenStore
	platform string
	deviceID string
	logger   zerolog.Logger

	mu      sync.Mutex
	current string
}

// NewTokenRegistrar 建立 token 同步器
func NewTokenRegistrar(api TokenAPI, store TokenStore, platform, deviceID string, logger zerolog.Logger) *TokenRegistrar {
	return &TokenRegistrar{
		api:      api,
		store:    store,
		platform: platform,
		deviceID: deviceID,
		logger:   logger.With().Str("module", "push_token").Logger(),
	}
}

// Update 平台給出新的 token
func (r *TokenRegistrar) Update(ctx context.Context, token string) {
	r.mu.Lock()
	changed := token != "" && token != r.current
	r.current = token
	r.mu.Unlock()

	if !changed {
		return
	}
	if token == r.store.PushToken() {
		return
	}
	r.sync(ctx)
}

// OnAuthenticated 登入後無論是否變更都同步一次
func (r *TokenRegistrar) OnAuthenticated(ctx context.Context) {
	r.sync(ctx)
}

func (r *TokenRegistrar) sync(ctx context.Context) {
	r.mu.Lock()
	token := r.current
	r.mu.Unlock()

	if token == "" {
		return
	}
	if !r.store.Authenticated() {
		r.logger.Debug().Msg("尚未登入，稍後同步推播 token")
		return
	}
	err := r.api.SyncPushToken(ctx, pushModels.SyncTokenBody{Token: token, Platform: r.platform, DeviceID: r.deviceID})
	if err != nil {
		r.logger.Error().Err(err).Msg("同步推播 token 失敗")
		return
	}
	if err := r.store.SetPushToken(token); err != nil {
		r.logger.Warn().Err(err).Msg("保存推播 token 失敗")
	}
	r.logger.Info().Str("platform", r.platform).Msg("推播 token 已同步")
}
