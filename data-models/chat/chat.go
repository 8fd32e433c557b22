package chat

import (
	"time"

	"homeservice-realtime/data-models/common"
	"homeservice-realtime/data-models/realtime"
)

// OpenConversationBody 開啟（或建立）對話
type OpenConversationBody struct {
	Ref realtime.ConversationRef `json:"ref" doc:"對話參照"`
}

// OpenConversationInput 開啟對話請求
type OpenConversationInput struct {
	Body OpenConversationBody `json:"body"`
}

// Conversation 對話資料與最近的訊息
type Conversation struct {
	ID           string                   `json:"id"`
	Ref          realtime.ConversationRef `json:"ref"`
	Room         string                   `json:"room" example:"booking:66f0c2b35ac3591b32e2d13a"`
	Participants []realtime.Participant   `json:"participants"`
	Messages     []realtime.ChatMessage   `json:"messages"`
	HasMore      bool                     `json:"hasMore"`
}

// OpenConversationResponse 開啟對話回應
type OpenConversationResponse struct {
	Body common.APIResponse[Conversation] `json:"body"`
}

// ListMessagesInput 查詢訊息
type ListMessagesInput struct {
	ID     string `path:"id" doc:"對話ID"`
	Before string `query:"before" doc:"只取此訊息ID之前的訊息"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"200" doc:"筆數"`
}

// MessagePage 訊息分頁，依伺服器順序由舊到新
type MessagePage struct {
	Messages []realtime.ChatMessage `json:"messages"`
	HasMore  bool                   `json:"hasMore"`
}

// ListMessagesResponse 訊息列表回應
type ListMessagesResponse struct {
	Body common.APIResponse[MessagePage] `json:"body"`
}

// PostMessageBody 送出訊息內容
type PostMessageBody struct {
	TempID string               `json:"tempId,omitempty" doc:"客戶端暫時ID，會原樣回傳"`
	Kind   realtime.MessageKind `json:"kind" enum:"text,image,audio,file" doc:"訊息類型"`
	Body   string               `json:"body,omitempty" doc:"文字內容"`
	Media  *realtime.MediaRef   `json:"media,omitempty" doc:"已上傳的媒體"`
}

// PostMessageInput 送出訊息請求
type PostMessageInput struct {
	ID   string          `path:"id" doc:"對話ID"`
	Body PostMessageBody `json:"body"`
}

// PostMessageResponse 送出訊息回應
type PostMessageResponse struct {
	Body common.APIResponse[realtime.ChatMessage] `json:"body"`
}

// MarkReadInput 標記已讀請求
type MarkReadInput struct {
	ID string `path:"id" doc:"對話ID"`
}

// MarkReadResult 標記已讀結果
type MarkReadResult struct {
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

// MarkReadResponse 標記已讀回應
type MarkReadResponse struct {
	Body common.APIResponse[MarkReadResult] `json:"body"`
}
