package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	bookingModels "homeservice-realtime/data-models/booking"
	chatModels "homeservice-realtime/data-models/chat"
	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
)

// AcceptBooking 接單
func (c *Client) AcceptBooking(ctx context.Context, bookingID string) (*bookingModels.AcceptResult, error) {
	return call[bookingModels.AcceptResult](ctx, c, http.MethodPost, "/api/v1/bookings/"+url.PathEscape(bookingID)+"/accept", nil)
}

// RejectBooking 拒單
func (c *Client) RejectBooking(ctx context.Context, bookingID, reason string) error {
	_, err := call[bookingModels.RejectResult](ctx, c, http.MethodPost, "/api/v1/bookings/"+url.PathEscape(bookingID)+"/reject", bookingModels.RejectBody{Reason: reason})
	return err
}

// GetBooking 依 ID 取得訂單
func (c *Client) GetBooking(ctx context.Context, bookingID string) (*realtime.BookingPayload, error) {
	b, err := call[realtime.BookingPayload](ctx, c, http.MethodGet, "/api/v1/bookings/"+url.PathEscape(bookingID), nil)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("訂單 %s 回應沒有資料", bookingID)
	}
	return b, nil
}

// OpenConversation 開啟或建立對話
func (c *Client) OpenConversation(ctx context.Context, ref realtime.ConversationRef) (*chatModels.Conversation, error) {
	conv, err := call[chatModels.Conversation](ctx, c, http.MethodPost, "/api/v1/conversations", chatModels.OpenConversationBody{Ref: ref})
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("開啟對話回應沒有資料")
	}
	return conv, nil
}

// ListMessages 取得對話訊息
func (c *Client) ListMessages(ctx context.Context, conversationID, before string, limit int) (*chatModels.MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return call[chatModels.MessagePage](ctx, c, http.MethodGet, path, nil)
}

// PostMessage 送出訊息
func (c *Client) PostMessage(ctx context.Context, conversationID string, body chatModels.PostMessageBody) (*realtime.ChatMessage, error) {
	msg, err := call[realtime.ChatMessage](ctx, c, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", body)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("送出訊息回應沒有資料")
	}
	return msg, nil
}

// MarkRead 標記對話已讀
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := call[chatModels.MarkReadResult](ctx, c, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil)
	return err
}

// SyncPushToken 同步裝置推播 token
func (c *Client) SyncPushToken(ctx context.Context, body pushModels.SyncTokenBody) error {
	_, err := call[pushModels.SyncTokenResult](ctx, c, http.MethodPut, "/api/v1/push-token", body)
	return err
}
