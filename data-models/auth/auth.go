package auth

import (
	"time"

	"homeservice-realtime/data-models/common"
)

// RefreshBody 換發 token
type RefreshBody struct {
	RefreshToken string `json:"refreshToken" minLength:"1" doc:"refresh token"`
}

// RefreshInput 換發 token 請求
type RefreshInput struct {
	Body RefreshBody `json:"body"`
}

// TokenPair 存取與換發 token
type TokenPair struct {
	AccessToken  string    `json:"accessToken" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RefreshResponse 換發 token 回應
type RefreshResponse struct {
	Body common.APIResponse[TokenPair] `json:"body"`
}
