package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homeservice-realtime/client/router"
	bookingModels "homeservice-realtime/data-models/booking"
	"homeservice-realtime/data-models/realtime"

	"github.com/rs/zerolog"
)

type fakeRinger struct {
	mu      sync.Mutex
	active  bool
	starts  int
	stops   int
	overlap bool
}

func (r *fakeRinger) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.overlap = true
	}
	r.active = true
	r.starts++
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.stops++
}

type dismissal struct {
	id      string
	outcome Outcome
}

type fakePresenter struct {
	mu        sync.Mutex
	shown     []string
	dismissed []dismissal
	navigated []string
	errs      []error
}

func (p *fakePresenter) Show(b realtime.BookingPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, b.ID)
}

func (p *fakePresenter) Dismiss(id string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismissed = append(p.dismissed, dismissal{id, outcome})
}

func (p *fakePresenter) NavigateToActiveBookings(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, id)
}

func (p *fakePresenter) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

type fakeAPI struct {
	mu         sync.Mutex
	acceptGate chan struct{}
	acceptErr  error
	rejectErr  error
	fetchErr   error
	fetchGate  chan struct{}
	bookings   map[string]realtime.BookingPayload
	accepted   []string
	rejected   []string
	fetched    []string
}

func (a *fakeAPI) AcceptBooking(ctx context.Context, id string) (*bookingModels.AcceptResult, error) {
	if a.acceptGate != nil {
		<-a.acceptGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted = append(a.accepted, id)
	if a.acceptErr != nil {
		return nil, a.acceptErr
	}
	return &bookingModels.AcceptResult{BookingID: id, Status: "accepted"}, nil
}

func (a *fakeAPI) RejectBooking(ctx context.Context, id, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, id)
	return a.rejectErr
}

func (a *fakeAPI) GetBooking(ctx context.Context, id string) (*realtime.BookingPayload, error) {
	if a.fetchGate != nil {
		<-a.fetchGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetched = append(a.fetched, id)
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	b, ok := a.bookings[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &b, nil
}

func booking(id string) realtime.BookingPayload {
	return realtime.BookingPayload{
		ID:          id,
		Customer:    realtime.BookingCustomer{ID: "c1", Name: "林小姐"},
		Service:     realtime.BookingService{ID: "s1", Name: "冷氣清洗"},
		Address:     "台北市信義區松仁路 100 號",
		Amount:      1800,
		ScheduledAt: time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC),
	}
}

func newMachine(api *fakeAPI) (*Machine, *fakeRinger, *fakePresenter) {
	r := &fakeRinger{}
	p := &fakePresenter{}
	return NewMachine(api, r, p, zerolog.Nop()), r, p
}

func TestAtMostOneVisibleAlert(t *testing.T) {
	m, ringer, p := newMachine(&fakeAPI{})

	for _, id := range []string{"1", "2", "3"} {
		m.Offer(booking(id))
	}

	if len(p.shown) != 3 || len(p.dismissed) != 0 {
		t.Fatalf("顯示 %v、關閉 %v，取代不應產生關閉事件", p.shown, p.dismissed)
	}
	cur, ok := m.Current()
	if !ok || cur.ID != "3" {
		t.Fatalf("目前提醒 = %+v, 預期 3", cur)
	}
	if ringer.overlap {
		t.Errorf("鈴聲在前一次停止前又開始")
	}
	if ringer.starts != 3 || ringer.stops != 2 {
		t.Errorf("鈴聲 start/stop = %d/%d, 預期 3/2", ringer.starts, ringer.stops)
	}
	if m.State() != StateRinging {
		t.Errorf("狀態 = %s", m.State())
	}
}

func TestIncompleteOfferIgnored(t *testing.T) {
	m, ringer, _ := newMachine(&fakeAPI{})
	b := booking("1")
	b.Address = ""
	m.Offer(b)
	if m.State() != StateIdle || ringer.starts != 0 {
		t.Fatalf("不完整的訂單不應顯示")
	}
}

func TestIdempotentRetraction(t *testing.T) {
	api := &fakeAPI{}
	m, ringer, p := newMachine(api)

	m.Retract("9")
	m.Offer(booking("1"))
	m.Retract("9")
	if m.State() != StateRinging {
		t.Fatalf("撤回其他訂單不應影響目前提醒")
	}

	m.Retract("1")
	m.Retract("1")

	if m.State() != StateIdle {
		t.Fatalf("狀態 = %s, 預期 idle", m.State())
	}
	if len(p.dismissed) != 1 || p.dismissed[0] != (dismissal{"1", OutcomeRetracted}) {
		t.Errorf("關閉紀錄 = %+v", p.dismissed)
	}
	if ringer.active {
		t.Errorf("撤回後鈴聲仍在播放")
	}
	if len(api.rejected) != 0 || len(p.errs) != 0 {
		t.Errorf("撤回不應呼叫拒單或顯示錯誤")
	}
}

func TestRaceLoss(t *testing.T) {
	api1, api2 := &fakeAPI{}, &fakeAPI{}
	w1, _, p1 := newMachine(api1)
	w2, _, p2 := newMachine(api2)

	w1.Offer(booking("42"))
	w2.Offer(booking("42"))

	if err := w1.Accept(context.Background()); err != nil {
		t.Fatalf("W1 接單失敗: %v", err)
	}
	w1.Wait()
	w2.Retract("42")
	w2.Wait()

	if len(p1.navigated) != 1 || p1.navigated[0] != "42" {
		t.Errorf("W1 應導向進行中訂單: %v", p1.navigated)
	}
	if w2.State() != StateIdle {
		t.Errorf("W2 狀態 = %s", w2.State())
	}
	if len(p2.errs) != 0 {
		t.Errorf("W2 不應顯示錯誤: %v", p2.errs)
	}
	if len(api2.rejected) != 0 || len(api2.accepted) != 0 {
		t.Errorf("W2 不應送出任何呼叫")
	}
	if len(p2.dismissed) != 1 || p2.dismissed[0].outcome != OutcomeRetracted {
		t.Errorf("W2 關閉紀錄 = %+v", p2.dismissed)
	}
}

func TestStaleAcceptIsNoop(t *testing.T) {
	api := &fakeAPI{acceptGate: make(chan struct{})}
	m, _, p := newMachine(api)

	m.Offer(booking("7"))
	if err := m.Accept(context.Background()); err != nil {
		t.Fatalf("接單失敗: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("按下接單後狀態 = %s, 預期 idle", m.State())
	}

	m.Retract("7")
	close(api.acceptGate)
	m.Wait()

	if len(p.navigated) != 0 {
		t.Errorf("過期的接單回應不應導頁: %v", p.navigated)
	}
	if _, ok := m.Current(); ok || m.State() != StateIdle {
		t.Errorf("過期的接單回應不應重新開啟提醒")
	}
	if len(p.dismissed) != 1 || p.dismissed[0] != (dismissal{"7", OutcomeAcceptPending}) {
		t.Errorf("關閉紀錄 = %+v", p.dismissed)
	}
	if len(p.errs) != 0 {
		t.Errorf("不應顯示錯誤: %v", p.errs)
	}
}

func TestOfferDuringAcceptIsShown(t *testing.T) {
	tests := []struct {
		name      string
		acceptErr error
	}{
		{name: "接單失敗", acceptErr: errors.New("taken")},
		{name: "接單成功", acceptErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{acceptGate: make(chan struct{}), acceptErr: tt.acceptErr}
			m, ringer, p := newMachine(api)

			m.Offer(booking("1"))
			if err := m.Accept(context.Background()); err != nil {
				t.Fatalf("接單失敗: %v", err)
			}
			m.Offer(booking("2"))
			close(api.acceptGate)
			m.Wait()

			if len(p.shown) != 2 || p.shown[1] != "2" {
				t.Fatalf("接單回應前的新訂單應顯示: %v", p.shown)
			}
			if cur, ok := m.Current(); !ok || cur.ID != "2" || m.State() != StateRinging {
				t.Fatalf("目前提醒 = %+v (%v), 狀態 %s", cur, ok, m.State())
			}
			if !ringer.active {
				t.Errorf("新訂單應持續響鈴")
			}
			if len(p.navigated) != 0 || len(p.errs) != 0 {
				t.Errorf("過期的接單回應不應導頁或顯示錯誤: %v %v", p.navigated, p.errs)
			}
			if len(p.dismissed) != 1 || p.dismissed[0] != (dismissal{"1", OutcomeAcceptPending}) {
				t.Errorf("關閉紀錄 = %+v", p.dismissed)
			}
		})
	}
}

func TestAcceptFailureDismissesWithError(t *testing.T) {
	api := &fakeAPI{acceptErr: errors.New("409")}
	m, ringer, p := newMachine(api)

	m.Offer(booking("5"))
	_ = m.Accept(context.Background())
	m.Wait()

	if m.State() != StateIdle {
		t.Fatalf("接單失敗後狀態 = %s, 預期 idle", m.State())
	}
	if len(p.errs) != 1 {
		t.Errorf("應顯示一次錯誤: %v", p.errs)
	}
	if len(p.dismissed) != 1 || p.dismissed[0].outcome != OutcomeAcceptPending {
		t.Errorf("關閉紀錄 = %+v", p.dismissed)
	}
	if len(api.accepted) != 1 {
		t.Errorf("接單失敗不應自動重試，呼叫次數 = %d", len(api.accepted))
	}
	if ringer.active {
		t.Errorf("鈴聲仍在播放")
	}
}

func TestRejectDismissesRegardless(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr int
	}{
		{name: "成功", err: nil, wantErr: 0},
		{name: "失敗", err: errors.New("500"), wantErr: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{rejectErr: tt.err}
			m, _, p := newMachine(api)
			m.Offer(booking("3"))

			if err := m.Reject(context.Background(), "沒空"); err != nil {
				t.Fatalf("拒單回傳錯誤: %v", err)
			}
			if m.State() != StateIdle {
				t.Fatalf("拒單後應立即回到 idle")
			}
			m.Wait()
			if len(api.rejected) != 1 {
				t.Errorf("拒單呼叫次數 = %d", len(api.rejected))
			}
			if len(p.errs) != tt.wantErr {
				t.Errorf("錯誤數 = %d, 預期 %d", len(p.errs), tt.wantErr)
			}
		})
	}
}

func TestActionsWithoutAlert(t *testing.T) {
	m, _, _ := newMachine(&fakeAPI{})
	if err := m.Accept(context.Background()); !errors.Is(err, ErrNoAlert) {
		t.Errorf("Accept 錯誤 = %v", err)
	}
	if err := m.Reject(context.Background(), ""); !errors.Is(err, ErrNoAlert) {
		t.Errorf("Reject 錯誤 = %v", err)
	}
}

func TestOfferByID(t *testing.T) {
	t.Run("取回後顯示", func(t *testing.T) {
		api := &fakeAPI{bookings: map[string]realtime.BookingPayload{"8": booking("8")}}
		m, _, p := newMachine(api)
		m.OfferByID(context.Background(), "8")
		m.Wait()
		if cur, ok := m.Current(); !ok || cur.ID != "8" {
			t.Fatalf("應顯示訂單 8")
		}
		if len(p.shown) != 1 {
			t.Errorf("顯示次數 = %d", len(p.shown))
		}
	})

	t.Run("取回失敗維持 idle", func(t *testing.T) {
		api := &fakeAPI{fetchErr: errors.New("timeout")}
		m, ringer, p := newMachine(api)
		m.OfferByID(context.Background(), "8")
		m.Wait()
		if m.State() != StateIdle || ringer.starts != 0 {
			t.Fatalf("取回失敗不應顯示提醒")
		}
		if len(p.errs) != 1 {
			t.Errorf("應顯示錯誤")
		}
	})

	t.Run("已被接走", func(t *testing.T) {
		b := booking("8")
		b.Status = "accepted"
		api := &fakeAPI{bookings: map[string]realtime.BookingPayload{"8": b}}
		m, _, p := newMachine(api)
		m.OfferByID(context.Background(), "8")
		m.Wait()
		if m.State() != StateIdle {
			t.Fatalf("已接走的訂單不應顯示")
		}
		if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrBookingUnavailable) {
			t.Errorf("錯誤 = %v", p.errs)
		}
	})

	t.Run("取回中被撤回", func(t *testing.T) {
		api := &fakeAPI{
			fetchGate: make(chan struct{}),
			bookings:  map[string]realtime.BookingPayload{"8": booking("8")},
		}
		m, _, p := newMachine(api)
		m.OfferByID(context.Background(), "8")
		m.Retract("8")
		close(api.fetchGate)
		m.Wait()
		if m.State() != StateIdle || len(p.shown) != 0 {
			t.Fatalf("撤回後取回的訂單不應顯示")
		}
		if len(p.errs) != 0 {
			t.Errorf("不應顯示錯誤")
		}
	})
}

func TestRevalidate(t *testing.T) {
	taken := booking("8")
	taken.Status = "accepted"
	tests := []struct {
		name      string
		api       *fakeAPI
		wantState State
		wantClose int
	}{
		{name: "仍可接單", api: &fakeAPI{bookings: map[string]realtime.BookingPayload{"8": booking("8")}}, wantState: StateRinging},
		{name: "斷線期間被接走", api: &fakeAPI{bookings: map[string]realtime.BookingPayload{"8": taken}}, wantState: StateIdle, wantClose: 1},
		{name: "查詢失敗保留", api: &fakeAPI{fetchErr: errors.New("timeout")}, wantState: StateRinging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, p := newMachine(tt.api)
			m.Offer(booking("8"))
			m.Revalidate(context.Background())
			m.Wait()

			if m.State() != tt.wantState {
				t.Fatalf("狀態 = %s, 預期 %s", m.State(), tt.wantState)
			}
			if len(p.dismissed) != tt.wantClose {
				t.Fatalf("關閉紀錄 = %+v", p.dismissed)
			}
			if tt.wantClose == 1 && p.dismissed[0].outcome != OutcomeRetracted {
				t.Errorf("關閉原因 = %s", p.dismissed[0].outcome)
			}
			if len(p.errs) != 0 {
				t.Errorf("重新確認不應顯示錯誤: %v", p.errs)
			}
		})
	}

	t.Run("確認中換了新訂單", func(t *testing.T) {
		api := &fakeAPI{fetchGate: make(chan struct{}), bookings: map[string]realtime.BookingPayload{"8": taken}}
		m, _, _ := newMachine(api)
		m.Offer(booking("8"))
		m.Revalidate(context.Background())
		m.Offer(booking("9"))
		close(api.fetchGate)
		m.Wait()
		if cur, ok := m.Current(); !ok || cur.ID != "9" {
			t.Fatalf("過期的確認結果不應關閉新提醒")
		}
	})

	t.Run("沒有提醒", func(t *testing.T) {
		api := &fakeAPI{}
		m, _, _ := newMachine(api)
		m.Revalidate(context.Background())
		m.Wait()
		if len(api.fetched) != 0 {
			t.Errorf("沒有提醒時不應查詢")
		}
	})
}

func TestResetClearsAlert(t *testing.T) {
	m, ringer, p := newMachine(&fakeAPI{})
	m.Offer(booking("1"))
	m.Reset()
	m.Reset()

	if m.State() != StateIdle || ringer.active {
		t.Fatalf("登出後提醒應清除")
	}
	if len(p.dismissed) != 1 || p.dismissed[0].outcome != OutcomeReset {
		t.Errorf("關閉紀錄 = %+v", p.dismissed)
	}
}

func TestBindRoutesEvents(t *testing.T) {
	r := router.New(zerolog.Nop())
	scope := r.NewScope()
	m, _, _ := newMachine(&fakeAPI{})
	m.Bind(scope)

	offer, _ := realtime.NewFrame(realtime.EventNewBooking, booking("42"))
	removed, _ := realtime.NewFrame(realtime.EventBookingRemoved, realtime.BookingRemoved{BookingID: "42"})

	r.Dispatch(offer)
	if m.State() != StateRinging {
		t.Fatalf("new_booking 後應響鈴")
	}
	r.Dispatch(removed)
	if m.State() != StateIdle {
		t.Fatalf("booking_removed 後應關閉")
	}

	scope.Close()
	r.Dispatch(offer)
	if m.State() != StateIdle {
		t.Fatalf("範圍關閉後不應再收到事件")
	}
}
