package router

import (
	"encoding/json"
	"testing"

	"homeservice-realtime/data-models/realtime"

	"github.com/rs/zerolog"
)

func frame(t *testing.T, event string, payload any) realtime.Frame {
	t.Helper()
	f, err := realtime.NewFrame(event, payload)
	if err != nil {
		t.Fatalf("建立訊框失敗: %v", err)
	}
	return f
}

func TestDispatchOrder(t *testing.T) {
	r := New(zerolog.Nop())
	var got []string
	r.On("a", func(f realtime.Frame) { got = append(got, "a1:"+string(f.Data)) })
	r.On("a", func(f realtime.Frame) { got = append(got, "a2:"+string(f.Data)) })
	r.On("b", func(f realtime.Frame) { got = append(got, "b:"+string(f.Data)) })

	r.Dispatch(frame(t, "a", 1))
	r.Dispatch(frame(t, "b", 2))
	r.Dispatch(frame(t, "a", 3))

	want := []string{"a1:1", "a2:1", "b:2", "a1:3", "a2:3"}
	if len(got) != len(want) {
		t.Fatalf("處理次數 = %d, 預期 %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("第 %d 個 = %s, 預期 %s", i, got[i], want[i])
		}
	}
}

func TestSubscriptionClose(t *testing.T) {
	r := New(zerolog.Nop())
	calls := 0
	sub := r.On("x", func(realtime.Frame) { calls++ })
	other := r.On("x", func(realtime.Frame) {})

	sub.Close()
	sub.Close()
	r.Dispatch(realtime.Frame{Type: "x"})

	if calls != 0 {
		t.Errorf("已解除的處理器仍被呼叫 %d 次", calls)
	}
	if n := r.ListenerCount("x"); n != 1 {
		t.Errorf("剩餘處理器 = %d, 預期 1", n)
	}
	other.Close()
	if n := r.ListenerCount("x"); n != 0 {
		t.Errorf("剩餘處理器 = %d, 預期 0", n)
	}
}

func TestRemoveListeners(t *testing.T) {
	r := New(zerolog.Nop())
	r.On("a", func(realtime.Frame) {})
	r.On("a", func(realtime.Frame) {})
	r.On("b", func(realtime.Frame) {})

	r.RemoveListener("a")
	if r.ListenerCount("a") != 0 || r.ListenerCount("b") != 1 {
		t.Fatalf("RemoveListener 只應移除 a")
	}
	r.RemoveAllListeners()
	if r.ListenerCount("b") != 0 {
		t.Fatalf("RemoveAllListeners 後仍有處理器")
	}
}

func TestScopeClose(t *testing.T) {
	r := New(zerolog.Nop())
	scope := r.NewScope()
	calls := 0
	scope.On("a", func(realtime.Frame) { calls++ })
	scope.On("b", func(realtime.Frame) { calls++ })
	keep := r.On("a", func(realtime.Frame) {})
	defer keep.Close()

	scope.Close()
	r.Dispatch(realtime.Frame{Type: "a"})
	r.Dispatch(realtime.Frame{Type: "b"})

	if calls != 0 {
		t.Errorf("範圍關閉後仍被呼叫 %d 次", calls)
	}
	if r.ListenerCount("a") != 1 {
		t.Errorf("範圍外的訂閱不應被移除")
	}
	if sub := scope.On("c", func(realtime.Frame) {}); sub != nil {
		t.Errorf("已關閉的範圍不應再註冊")
	}
}

func TestHandleTyped(t *testing.T) {
	r := New(zerolog.Nop())
	var got realtime.BookingRemoved
	Handle(r, realtime.EventBookingRemoved, func(p realtime.BookingRemoved) { got = p })

	r.Dispatch(frame(t, realtime.EventBookingRemoved, realtime.BookingRemoved{BookingID: "42"}))
	if got.BookingID != "42" {
		t.Fatalf("bookingId = %q, 預期 42", got.BookingID)
	}

	got = realtime.BookingRemoved{}
	r.Dispatch(realtime.Frame{Type: realtime.EventBookingRemoved, Data: json.RawMessage(`{bad`)})
	if got.BookingID != "" {
		t.Errorf("解碼失敗不應呼叫處理器")
	}
}

func TestPanicRecovered(t *testing.T) {
	r := New(zerolog.Nop())
	after := false
	r.On("a", func(realtime.Frame) { panic("boom") })
	r.On("a", func(realtime.Frame) { after = true })

	r.Dispatch(realtime.Frame{Type: "a"})
	if !after {
		t.Errorf("panic 之後的處理器應繼續執行")
	}
}
