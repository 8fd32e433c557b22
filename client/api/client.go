// Package api 呼叫後端 HTTP API，統一處理驗證與回應格式。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	authModels "homeservice-realtime/data-models/auth"
	"homeservice-realtime/data-models/common"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnauthorized 換發 token 後仍被拒絕，已強制登出
	ErrUnauthorized = errors.New("登入已失效")
	// ErrNoCredential 沒有登入憑證
	ErrNoCredential = errors.New("沒有登入憑證")
)

// Error 後端回傳的失敗結果
type Error struct {
	Status  int
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("API 錯誤 (%d): %s: %s", e.Status, e.Message, e.Detail)
	}
	return fmt.Sprintf("API 錯誤 (%d): %s", e.Status, e.Message)
}

// StatusCode 取得錯誤的 HTTP 狀態碼，非 API 錯誤回傳 0
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Credentials 憑證來源，通常是本機工作階段
type Credentials interface {
	Tokens() (access, refresh string)
	UpdateTokens(access, refresh string) error
}

// Client 後端 API 客戶端
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	logger  zerolog.Logger

	refreshGroup singleflight.Group

	mu             sync.Mutex
	onForcedLogout func()
}

// New 建立 API 客戶端
func New(baseURL string, creds Credentials, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		creds:   creds,
		logger:  logger.With().Str("module", "api_client").Logger(),
	}
}

// OnForcedLogout 換發 token 失敗時呼叫
func (c *Client) OnForcedLogout(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onForcedLogout = fn
}

func (c *Client) forceLogout() {
	c.mu.Lock()
	fn := c.onForcedLogout
	c.mu.Unlock()
	c.logger.Warn().Msg("換發 token 失敗，強制登出")
	if fn != nil {
		fn()
	}
}

// call 送出請求並解析 APIResponse，401 時換發 token 並重試一次
func call[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	access, _ := c.creds.Tokens()
	if access == "" {
		return nil, ErrNoCredential
	}

	status, raw, err := c.send(ctx, method, path, body, access)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		fresh, err := c.refresh(ctx, access)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("換發 token 失敗")
			c.forceLogout()
			return nil, ErrUnauthorized
		}
		status, raw, err = c.send(ctx, method, path, body, fresh)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.forceLogout()
			return nil, ErrUnauthorized
		}
	}
	return decode[T](status, raw)
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("編碼請求失敗: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("建立請求失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s 失敗: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("讀取回應失敗: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func decode[T any](status int, raw []byte) (*T, error) {
	var envelope common.APIResponse[T]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if status >= 300 {
			return nil, &Error{Status: status, Message: http.StatusText(status)}
		}
		return nil, fmt.Errorf("解析回應失敗: %w", err)
	}
	if status >= 300 || !envelope.Success {
		if status < 300 {
			status = http.StatusUnprocessableEntity
		}
		return nil, &Error{Status: status, Message: envelope.Message, Detail: envelope.Error}
	}
	return envelope.Data, nil
}

// refresh 換發 token；並行的 401 共用同一次換發，token 已被其他請求換新時直接使用
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	if access, _ := c.creds.Tokens(); access != "" && access != stale {
		return access, nil
	}
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		if access, _ := c.creds.Tokens(); access != "" && access != stale {
			return access, nil
		}
		pair, err := c.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh 以 refresh token 換發新的 token 並寫回憑證來源
func (c *Client) Refresh(ctx context.Context) (*authModels.TokenPair, error) {
	_, refreshToken := c.creds.Tokens()
	if refreshToken == "" {
		return nil, ErrNoCredential
	}
	status, raw, err := c.send(ctx, http.MethodPost, "/api/v1/auth/refresh", authModels.RefreshBody{RefreshToken: refreshToken}, "")
	if err != nil {
		return nil, err
	}
	pair, err := decode[authModels.TokenPair](status, raw)
	if err != nil {
		return nil, err
	}
	if pair == nil || pair.AccessToken == "" {
		return nil, fmt.Errorf("換發回應缺少 token")
	}
	if err := c.creds.UpdateTokens(pair.AccessToken, pair.RefreshToken); err != nil {
		return nil, fmt.Errorf("保存新 token 失敗: %w", err)
	}
	c.logger.Info().Msg("已換發 token")
	return pair, nil
}
