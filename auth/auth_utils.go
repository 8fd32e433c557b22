package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeservice-realtime/data-models/realtime"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const participantKey contextKey = "participant"

var (
	ErrParticipantNotFound = errors.New("participant not found in context")
)

// WithParticipant 將驗證後的參與者放入 context
func WithParticipant(ctx context.Context, p realtime.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

// GetParticipantFromContext 取得目前請求的參與者
func GetParticipantFromContext(ctx context.Context) (realtime.Participant, error) {
	p, ok := ctx.Value(participantKey).(realtime.Participant)
	if !ok || p.IsZero() {
		return realtime.Participant{}, ErrParticipantNotFound
	}
	return p, nil
}

// JWT 驗證相關的通用錯誤
var (
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInvalidTokenType        = errors.New("invalid token type")
	ErrMissingSubject          = errors.New("missing subject in token")
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
)

// TokenType 存取或換發
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims token 內容，sub 為參與者 ID
type Claims struct {
	Role realtime.Role `json:"role"`
	Name string        `json:"name,omitempty"`
	Type TokenType     `json:"type"`
	jwt.RegisteredClaims
}

// Participant token 代表的參與者
func (c *Claims) Participant() realtime.Participant {
	return realtime.Participant{Role: c.Role, ID: c.Subject}
}

// TokenIssuer 簽發與驗證 token
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue 簽發一組存取與換發 token
func (t *TokenIssuer) Issue(p realtime.Participant, name string) (access, refresh string, expiresAt time.Time, err error) {
	now := t.now()
	expiresAt = now.Add(t.accessTTL)
	access, err = t.sign(p, name, TokenTypeAccess, now, expiresAt)
	if err != nil {
		return "", "", time.Time{}, err
	}
	refresh, err = t.sign(p, name, TokenTypeRefresh, now, now.Add(t.refreshTTL))
	if err != nil {
		return "", "", time.Time{}, err
	}
	return access, refresh, expiresAt, nil
}

func (t *TokenIssuer) sign(p realtime.Participant, name string, typ TokenType, now, exp time.Time) (string, error) {
	claims := Claims{
		Role: p.Role,
		Name: name,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("簽發 token 失敗: %w", err)
	}
	return signed, nil
}

// Validate 驗證 token 並檢查類型
func (t *TokenIssuer) Validate(tokenString string, want TokenType) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnexpectedSigningMethod
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != want {
		return nil, ErrInvalidTokenType
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrMissingSubject
	}
	return &claims, nil
}
