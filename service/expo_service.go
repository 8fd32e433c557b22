package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"homeservice-realtime/service/interfaces"

	"github.com/rs/zerolog"
)

const expoPushAPIURL = "https://exp.host/--/api/v2/push/send"

type ExpoService struct {
	logger      zerolog.Logger
	Client      *http.Client
	PushAPIURL  string
	AccessToken string
}

// ExpoMessage 單個推送消息
type ExpoMessage struct {
	To        string            `json:"to"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Sound     string            `json:"sound,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
	TTL       int               `json:"ttl,omitempty"`
	Priority  string            `json:"priority,omitempty"`
}

// ExpoPushResponse 推送響應
type ExpoPushResponse struct {
	Data []ExpoPushResult `json:"data"`
}

type ExpoPushResult struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

func NewExpoService(logger zerolog.Logger, accessToken string) *ExpoService {
	return &ExpoService{
		logger:      logger.With().Str("module", "expo_service").Logger(),
		Client:      &http.Client{Timeout: 30 * time.Second},
		PushAPIURL:  expoPushAPIURL,
		AccessToken: accessToken,
	}
}

// Send 發送推送通知
func (e *ExpoService) Send(ctx context.Context, msg interfaces.PushMessage) error {
	message := ExpoMessage{
		To:        msg.To,
		Title:     msg.Title,
		Body:      msg.Body,
		Data:      msg.Data,
		Sound:     msg.Sound,
		ChannelID: msg.ChannelID,
		Priority:  "high",
		TTL:       300,
	}
	if message.Sound == "" {
		message.Sound = "default"
	}

	// Expo 批次 API 接受陣列
	jsonData, err := json.Marshal([]ExpoMessage{message})
	if err != nil {
		return fmt.Errorf("序列化Expo推送消息失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.PushAPIURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("創建Expo推送請求失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.AccessToken)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("發送Expo推送請求失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("讀取Expo推送響應失敗: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		e.logger.Error().Str("status", resp.Status).Str("response_body", string(body)).Msg("Expo推送API返回錯誤")
		return fmt.Errorf("Expo推送API返回錯誤: %s", resp.Status)
	}

	var pushResponse ExpoPushResponse
	if err := json.Unmarshal(body, &pushResponse); err != nil || len(pushResponse.Data) == 0 {
		return fmt.Errorf("解析Expo推送響應失敗: %s", string(body))
	}

	result := pushResponse.Data[0]
	if result.Status == "error" {
		if result.Details.Error == "DeviceNotRegistered" {
			return fmt.Errorf("%w: %s", interfaces.ErrTokenUnregistered, result.Message)
		}
		e.logger.Warn().Str("error", result.Details.Error).Str("message", result.Message).Msg("Expo推送失敗")
		return fmt.Errorf("Expo推送失敗: %s - %s", result.Message, result.Details.Error)
	}
	e.logger.Debug().Str("ticket_id", result.ID).Msg("Expo推送成功")

	return nil
}

var _ interfaces.PushSender = (*ExpoService)(nil)
