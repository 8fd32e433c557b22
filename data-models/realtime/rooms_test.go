package realtime

import "testing"

func TestParseRoom(t *testing.T) {
	tests := []struct {
		name    string
		room    string
		kind    RoomKind
		wantErr bool
	}{
		{name: "師傅個人房間", room: "worker:w1", kind: RoomKindWorker},
		{name: "客戶個人房間", room: "customer:c1", kind: RoomKindCustomer},
		{name: "訂單聊天", room: "booking:42", kind: RoomKindBooking},
		{name: "客服工單", room: "ticket:t9", kind: RoomKindTicket},
		{name: "私訊", room: "direct:c1:w1", kind: RoomKindDirect},
		{name: "後台", room: "dashboard", kind: RoomKindDashboard},
		{name: "空 ID", room: "worker:", wantErr: true},
		{name: "未知種類", room: "fleet:1", wantErr: true},
		{name: "私訊缺一方", room: "direct:c1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoom(tt.room)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("預期 %q 解析失敗", tt.room)
				}
				return
			}
			if err != nil {
				t.Fatalf("解析 %q 失敗: %v", tt.room, err)
			}
			if got.Kind != tt.kind {
				t.Errorf("種類 = %s, 預期 %s", got.Kind, tt.kind)
			}
		})
	}
}

func TestConversationRefRoomRoundTrip(t *testing.T) {
	refs := []ConversationRef{
		BookingConversation("42"),
		TicketConversation("t1"),
		DirectConversation("c1", "w1"),
	}
	for _, ref := range refs {
		parsed, err := ParseRoom(ref.Room())
		if err != nil {
			t.Fatalf("解析 %s 失敗: %v", ref.Room(), err)
		}
		if parsed.Conversation != ref {
			t.Errorf("解析結果 %+v, 預期 %+v", parsed.Conversation, ref)
		}
	}
}

func TestParseParticipant(t *testing.T) {
	p, err := ParseParticipant("worker:w1")
	if err != nil {
		t.Fatalf("解析失敗: %v", err)
	}
	if p != (Participant{Role: RoleWorker, ID: "w1"}) {
		t.Errorf("解析結果錯誤: %+v", p)
	}
	if _, err := ParseParticipant("driver:1"); err == nil {
		t.Errorf("未知角色應該失敗")
	}
	if PersonalRoom(Participant{Role: RoleSupport, ID: "s1"}) != "" {
		t.Errorf("客服不應有個人房間")
	}
}
