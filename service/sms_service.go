package service

import (
	"context"
	"fmt"
	"strings"

	"homeservice-realtime/service/interfaces"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SMSClient 可替換的簡訊傳送端
type SMSClient interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// SMSService 師傅沒有推播 token 時的簡訊備援
type SMSService struct {
	logger zerolog.Logger
	client SMSClient
	from   string
}

// NewTwilioSMSService 以 Twilio 帳號建立
func NewTwilioSMSService(logger zerolog.Logger, accountSID, authToken, from string) *SMSService {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewSMSService(logger, client.Api, from)
}

func NewSMSService(logger zerolog.Logger, client SMSClient, from string) *SMSService {
	return &SMSService{
		logger: logger.With().Str("module", "sms_service").Logger(),
		client: client,
		from:   from,
	}
}

// Send 將推播標題與內容以簡訊送出，msg.To 為電話號碼
func (s *SMSService) Send(ctx context.Context, msg interfaces.PushMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := strings.TrimSpace(msg.Title + "\n" + msg.Body)

	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(text)

	resp, err := s.client.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("發送簡訊失敗: %w", err)
	}
	if resp != nil && resp.Sid != nil {
		s.logger.Debug().Str("sid", *resp.Sid).Msg("簡訊已送出")
	}
	return nil
}

var _ interfaces.PushSender = (*SMSService)(nil)
